package fan

import (
	"context"
	"errors"
	"testing"

	"miio-fan/internal/miot"
)

type setCall struct {
	prop  miot.Property
	value any
}

// recordingTransport answers get_properties from a fixed value table and
// records every write.
type recordingTransport struct {
	values  map[string]any
	codes   map[string]int
	getErr  error
	setErr  error
	gets    int
	sets    []setCall
	setCode int
}

func (r *recordingTransport) GetProperties(_ context.Context, props []miot.Property) ([]miot.Result, error) {
	r.gets++
	if r.getErr != nil {
		return nil, r.getErr
	}
	results := make([]miot.Result, 0, len(props))
	for _, p := range props {
		res := miot.Result{DID: p.Name, SIID: p.SIID, PIID: p.PIID, Code: r.codes[p.Name]}
		if res.Code == 0 {
			res.Value = r.values[p.Name]
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *recordingTransport) SetProperty(_ context.Context, p miot.Property, value any) (miot.Result, error) {
	r.sets = append(r.sets, setCall{prop: p, value: value})
	if r.setErr != nil {
		return miot.Result{}, r.setErr
	}
	return miot.Result{DID: p.Name, SIID: p.SIID, PIID: p.PIID, Code: r.setCode}, nil
}

func (r *recordingTransport) Close() error { return nil }

// sampleValues is a typical reply of a running fan in natural mode.
func sampleValues() map[string]any {
	return map[string]any{
		"power":          1,
		"mode":           1,
		"fan_level":      2,
		"swing_mode":     0,
		"power_off_time": 120,
		"light":          1,
		"buzzer":         0,
		"child_lock":     1,
	}
}

func TestMappingCoversAttributes(t *testing.T) {
	if Mapping.Len() != len(Attributes) {
		t.Errorf("mapping has %d entries, %d attributes declared", Mapping.Len(), len(Attributes))
	}
	for _, attr := range Attributes {
		if _, ok := Mapping.Lookup(string(attr)); !ok {
			t.Errorf("attribute %q missing from mapping", attr)
		}
	}
}

func TestMappingAddresses(t *testing.T) {
	tests := []struct {
		attr       Attribute
		siid, piid int
	}{
		{AttrPower, 2, 1},
		{AttrFanLevel, 2, 2},
		{AttrChildLock, 3, 1},
		{AttrSwingMode, 2, 3},
		{AttrPowerOffTime, 2, 10},
		{AttrBuzzer, 2, 11},
		{AttrLight, 2, 12},
		{AttrMode, 2, 7},
	}
	for _, tt := range tests {
		p, _ := Mapping.Lookup(string(tt.attr))
		if p.SIID != tt.siid || p.PIID != tt.piid {
			t.Errorf("%s = %d.%d, want %d.%d", tt.attr, p.SIID, p.PIID, tt.siid, tt.piid)
		}
	}
}

func TestSetSpeedValid(t *testing.T) {
	for _, level := range []int{1, 2, 3} {
		tr := &recordingTransport{}
		dev := New(tr)
		if _, err := dev.SetSpeed(context.Background(), level); err != nil {
			t.Fatalf("SetSpeed(%d): %v", level, err)
		}
		if len(tr.sets) != 1 {
			t.Fatalf("SetSpeed(%d): %d writes, want 1", level, len(tr.sets))
		}
		if tr.sets[0].prop.Name != "fan_level" || tr.sets[0].value != level {
			t.Errorf("SetSpeed(%d) wrote %s=%v", level, tr.sets[0].prop.Name, tr.sets[0].value)
		}
	}
}

func TestSetSpeedInvalid(t *testing.T) {
	for _, level := range []int{0, 4, -1, 100} {
		tr := &recordingTransport{}
		dev := New(tr)
		_, err := dev.SetSpeed(context.Background(), level)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetSpeed(%d): err = %v, want ErrInvalidArgument", level, err)
		}
		if len(tr.sets) != 0 {
			t.Errorf("SetSpeed(%d): %d writes, want 0", level, len(tr.sets))
		}
	}
}

func TestSetPowerOffDelay(t *testing.T) {
	for _, seconds := range []int{0, 1, 120, 28800} {
		tr := &recordingTransport{}
		if _, err := New(tr).SetPowerOffDelay(context.Background(), seconds); err != nil {
			t.Fatalf("SetPowerOffDelay(%d): %v", seconds, err)
		}
		if len(tr.sets) != 1 || tr.sets[0].prop.Name != "power_off_time" || tr.sets[0].value != seconds {
			t.Errorf("SetPowerOffDelay(%d) writes = %+v", seconds, tr.sets)
		}
	}

	for _, seconds := range []int{-1, -3600} {
		tr := &recordingTransport{}
		_, err := New(tr).SetPowerOffDelay(context.Background(), seconds)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetPowerOffDelay(%d): err = %v, want ErrInvalidArgument", seconds, err)
		}
		if len(tr.sets) != 0 {
			t.Errorf("SetPowerOffDelay(%d): %d writes, want 0", seconds, len(tr.sets))
		}
	}
}

func TestSettersForwardOneWrite(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		call  func(*Device) (miot.Result, error)
		prop  string
		siid  int
		piid  int
		value any
	}{
		{"on", func(d *Device) (miot.Result, error) { return d.TurnOn(ctx) }, "power", 2, 1, true},
		{"off", func(d *Device) (miot.Result, error) { return d.TurnOff(ctx) }, "power", 2, 1, false},
		{"oscillate on", func(d *Device) (miot.Result, error) { return d.SetOscillation(ctx, true) }, "swing_mode", 2, 3, true},
		{"buzzer off", func(d *Device) (miot.Result, error) { return d.SetBuzzer(ctx, false) }, "buzzer", 2, 11, false},
		{"child lock on", func(d *Device) (miot.Result, error) { return d.SetChildLock(ctx, true) }, "child_lock", 3, 1, true},
		{"natural on", func(d *Device) (miot.Result, error) { return d.SetNaturalMode(ctx, true) }, "mode", 2, 7, 1},
		{"natural off", func(d *Device) (miot.Result, error) { return d.SetNaturalMode(ctx, false) }, "mode", 2, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &recordingTransport{}
			ack, err := tt.call(New(tr))
			if err != nil {
				t.Fatal(err)
			}
			if len(tr.sets) != 1 {
				t.Fatalf("%d writes, want 1", len(tr.sets))
			}
			got := tr.sets[0]
			if got.prop.Name != tt.prop || got.prop.SIID != tt.siid || got.prop.PIID != tt.piid {
				t.Errorf("wrote %v, want %s(%d.%d)", got.prop, tt.prop, tt.siid, tt.piid)
			}
			if got.value != tt.value {
				t.Errorf("value = %v (%T), want %v (%T)", got.value, got.value, tt.value, tt.value)
			}
			if ack.DID != tt.prop {
				t.Errorf("ack did = %q", ack.DID)
			}
			if tr.gets != 0 {
				t.Errorf("setter read back state (%d gets)", tr.gets)
			}
		})
	}
}

func TestSetterReturnsAckWithCode(t *testing.T) {
	tr := &recordingTransport{setCode: miot.CodeInvalidValue}
	ack, err := New(tr).TurnOn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ack.Code != miot.CodeInvalidValue {
		t.Errorf("ack code = %d", ack.Code)
	}
	if ack.Err() == nil {
		t.Error("ack.Err() = nil for failed write")
	}
}

func TestTransportErrorsPassThrough(t *testing.T) {
	boom := errors.New("socket closed")

	tr := &recordingTransport{setErr: boom}
	if _, err := New(tr).SetBuzzer(context.Background(), true); err != boom {
		t.Errorf("set: err = %v, want the transport error unchanged", err)
	}

	tr = &recordingTransport{getErr: boom}
	st, err := New(tr).Status(context.Background())
	if err != boom {
		t.Errorf("status: err = %v, want the transport error unchanged", err)
	}
	if st != nil {
		t.Error("status returned a snapshot alongside an error")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	tr := &recordingTransport{values: sampleValues()}
	st, err := New(tr).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tr.gets != 1 {
		t.Errorf("gets = %d, want one batched request", tr.gets)
	}

	power, err := st.Power()
	if err != nil || power != PowerOn {
		t.Errorf("power = %v, %v; want on", power, err)
	}
	mode, err := st.Mode()
	if err != nil || mode != ModeNature {
		t.Errorf("mode = %v, %v; want Nature", mode, err)
	}
	speed, err := st.Speed()
	if err != nil || speed != 2 {
		t.Errorf("speed = %v, %v; want 2", speed, err)
	}
	osc, err := st.Oscillate()
	if err != nil || osc {
		t.Errorf("oscillate = %v, %v; want false", osc, err)
	}
	delay, err := st.DelayOffCountdown()
	if err != nil || delay != 120 {
		t.Errorf("delay off = %v, %v; want 120", delay, err)
	}
	led, err := st.LED()
	if err != nil || !led {
		t.Errorf("led = %v, %v; want true", led, err)
	}
	buzzer, err := st.Buzzer()
	if err != nil || buzzer {
		t.Errorf("buzzer = %v, %v; want false", buzzer, err)
	}
	lock, err := st.ChildLock()
	if err != nil || !lock {
		t.Errorf("child lock = %v, %v; want true", lock, err)
	}
}

func TestStatusPartialFailure(t *testing.T) {
	tr := &recordingTransport{
		values: sampleValues(),
		codes:  map[string]int{"light": miot.CodeInternal},
	}
	st, err := New(tr).Status(context.Background())
	if err != nil {
		t.Fatalf("partial failure raised %v", err)
	}

	if st.Has(AttrLight) {
		t.Error("light reported despite non-zero code")
	}
	raw := st.Raw()
	if v, ok := raw["light"]; !ok || v != nil {
		t.Errorf("raw light = %v, %v; want present and nil", v, ok)
	}
	if _, err := st.LED(); !errors.Is(err, ErrMissingAttribute) {
		t.Errorf("LED(): err = %v, want ErrMissingAttribute", err)
	}

	// Everything else is still populated.
	for _, attr := range Attributes {
		if attr == AttrLight {
			continue
		}
		if !st.Has(attr) {
			t.Errorf("%s missing", attr)
		}
	}
	if speed, err := st.Speed(); err != nil || speed != 2 {
		t.Errorf("speed = %v, %v", speed, err)
	}
	if mode, err := st.Mode(); err != nil || mode != ModeNature {
		t.Errorf("mode = %v, %v", mode, err)
	}
}

func TestStatusSurvivesMalformedValue(t *testing.T) {
	values := sampleValues()
	values["light"] = "garbage"
	st, err := New(&recordingTransport{values: values}).Status(context.Background())
	if err != nil {
		t.Fatalf("malformed light failed the snapshot: %v", err)
	}
	if _, err := st.LED(); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("LED(): err = %v, want ErrInvalidValue", err)
	}
	if speed, err := st.Speed(); err != nil || speed != 2 {
		t.Errorf("speed = %v, %v", speed, err)
	}
}

func TestStatusNormalizesWireTypes(t *testing.T) {
	// Relays deliver JSON: numbers as float64, booleans as bool.
	tr := &recordingTransport{values: map[string]any{
		"power":          true,
		"mode":           float64(0),
		"fan_level":      float64(3),
		"swing_mode":     true,
		"power_off_time": float64(0),
		"light":          false,
		"buzzer":         true,
		"child_lock":     false,
	}}
	st, err := New(tr).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mode, _ := st.Mode(); mode != ModeNormal {
		t.Errorf("mode = %v, want Normal", mode)
	}
	if speed, _ := st.Speed(); speed != 3 {
		t.Errorf("speed = %d, want 3", speed)
	}
	if osc, _ := st.Oscillate(); !osc {
		t.Error("oscillate = false, want true")
	}
}

func TestStatusMatchesResultsByAddress(t *testing.T) {
	tr := &addressOnlyTransport{}
	st, err := New(tr).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if speed, err := st.Speed(); err != nil || speed != 3 {
		t.Errorf("speed = %v, %v; want 3", speed, err)
	}
}

// addressOnlyTransport answers without echoing the did, like some relays.
type addressOnlyTransport struct{ recordingTransport }

func (a *addressOnlyTransport) GetProperties(_ context.Context, props []miot.Property) ([]miot.Result, error) {
	var results []miot.Result
	for _, p := range props {
		r := miot.Result{SIID: p.SIID, PIID: p.PIID}
		if p.Name == "fan_level" {
			r.Value = 3
		} else {
			r.Code = miot.CodeUnreadable
		}
		results = append(results, r)
	}
	return results, nil
}

func TestDeviceAgainstSimulator(t *testing.T) {
	sim, err := miot.NewSimulator("fan1c", SimulatorSpecs())
	if err != nil {
		t.Fatal(err)
	}
	dev := New(sim)
	ctx := context.Background()

	steps := []func() (miot.Result, error){
		func() (miot.Result, error) { return dev.TurnOn(ctx) },
		func() (miot.Result, error) { return dev.SetSpeed(ctx, 3) },
		func() (miot.Result, error) { return dev.SetNaturalMode(ctx, true) },
		func() (miot.Result, error) { return dev.SetPowerOffDelay(ctx, 600) },
		func() (miot.Result, error) { return dev.SetChildLock(ctx, true) },
	}
	for i, step := range steps {
		ack, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := ack.Err(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	st, err := dev.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := "<FanStatus power=on, mode=Nature, speed=3, oscillate=false, led=true, buzzer=true, child_lock=true, delay_off_countdown=600>"
	if st.String() != want {
		t.Errorf("status = %s\nwant     %s", st, want)
	}
}
