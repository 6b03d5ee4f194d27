//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"testing"

	"miio-fan/internal/coordinator"
	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
)

var testInfo = coordinator.Info{Name: "Living Room Fan", DID: "fan1c"}

func findDiscovery(t *testing.T, msgs []discoveryMsg, topic string) haDiscovery {
	t.Helper()
	for _, m := range msgs {
		if m.Topic == topic {
			var payload haDiscovery
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				t.Fatalf("unmarshal %s: %v", topic, err)
			}
			return payload
		}
	}
	t.Fatalf("discovery %s not found", topic)
	return haDiscovery{}
}

func TestDiscoveryFanEntity(t *testing.T) {
	msgs := buildDiscovery(testInfo, "miio-fan", "homeassistant")
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}

	d := findDiscovery(t, msgs, "homeassistant/fan/miio_fan1c/fan/config")
	if d.Name != "Living Room Fan" {
		t.Errorf("name = %q", d.Name)
	}
	if d.UniqueID != "miio_fan1c_fan" {
		t.Errorf("unique_id = %q", d.UniqueID)
	}
	if d.StateTopic != "miio-fan/living_room_fan" {
		t.Errorf("state_topic = %q", d.StateTopic)
	}
	if d.CommandTopic != "miio-fan/living_room_fan/set/state" {
		t.Errorf("command_topic = %q", d.CommandTopic)
	}
	if d.SpeedRangeMin != 1 || d.SpeedRangeMax != 3 {
		t.Errorf("speed range = %d..%d", d.SpeedRangeMin, d.SpeedRangeMax)
	}
	if len(d.PresetModes) != 2 || d.PresetModes[0] != "Normal" || d.PresetModes[1] != "Nature" {
		t.Errorf("preset_modes = %v", d.PresetModes)
	}
	if d.OscillationCommandTopic != "miio-fan/living_room_fan/set/oscillation" {
		t.Errorf("oscillation_command_topic = %q", d.OscillationCommandTopic)
	}
	if len(d.Availability) != 2 || d.Availability[0].Topic != "miio-fan/bridge/state" ||
		d.Availability[1].Topic != "miio-fan/living_room_fan/availability" {
		t.Errorf("availability = %+v", d.Availability)
	}
	if d.Device.Model != fan.Model || d.Device.Identifiers[0] != "miio_fan1c" {
		t.Errorf("device = %+v", d.Device)
	}
}

func TestDiscoveryAuxEntities(t *testing.T) {
	msgs := buildDiscovery(testInfo, "miio-fan", "ha")

	buzzer := findDiscovery(t, msgs, "ha/switch/miio_fan1c/buzzer/config")
	if buzzer.Name != "Living Room Fan Buzzer" {
		t.Errorf("buzzer name = %q", buzzer.Name)
	}
	if buzzer.CommandTopic != "miio-fan/living_room_fan/set/buzzer" || buzzer.ValueTemplate != "{{ value_json.buzzer }}" {
		t.Errorf("buzzer = %+v", buzzer)
	}

	lock := findDiscovery(t, msgs, "ha/switch/miio_fan1c/child_lock/config")
	if lock.StateOn != "ON" || lock.StateOff != "OFF" {
		t.Errorf("child lock states = %q/%q", lock.StateOn, lock.StateOff)
	}

	led := findDiscovery(t, msgs, "ha/binary_sensor/miio_fan1c/led/config")
	if led.CommandTopic != "" {
		t.Error("binary sensor has a command topic")
	}

	delay := findDiscovery(t, msgs, "ha/sensor/miio_fan1c/delay_off/config")
	if delay.UnitOfMeasurement != "s" || delay.DeviceClass != "duration" {
		t.Errorf("delay_off = %+v", delay)
	}
}

func TestRemoveDiscoveryMatchesDiscovery(t *testing.T) {
	add := buildDiscovery(testInfo, "miio-fan", "homeassistant")
	remove := buildRemoveDiscovery(testInfo, "homeassistant")
	if len(add) != len(remove) {
		t.Fatalf("add %d, remove %d", len(add), len(remove))
	}
	topics := make(map[string]bool)
	for _, m := range add {
		topics[m.Topic] = true
	}
	for _, m := range remove {
		if !topics[m.Topic] {
			t.Errorf("remove topic %s was never published", m.Topic)
		}
		if len(m.Payload) != 0 {
			t.Errorf("remove payload for %s not empty", m.Topic)
		}
	}
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		info coordinator.Info
		want string
	}{
		{coordinator.Info{Name: "Living Room Fan", DID: "x"}, "living_room_fan"},
		{coordinator.Info{Name: "Fan #2", DID: "x"}, "fan__2"},
		{coordinator.Info{DID: "123456"}, "123456"},
	}
	for _, tt := range tests {
		if got := topicName(tt.info); got != tt.want {
			t.Errorf("topicName(%+v) = %q, want %q", tt.info, got, tt.want)
		}
	}
	if got := displayName(coordinator.Info{DID: "123456"}); got != "Mi Fan 123456" {
		t.Errorf("displayName = %q", got)
	}
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeClient, *coordinator.Coordinator, *miot.Simulator) {
	t.Helper()
	sim, err := miot.NewSimulator("fan1c", fan.SimulatorSpecs())
	if err != nil {
		t.Fatal(err)
	}
	logger := newTestLogger()
	coord := coordinator.New(sim, coordinator.NewEventBus(logger), nil,
		coordinator.Config{Name: "Living Room Fan", DID: "fan1c"}, logger)
	t.Cleanup(coord.Stop)

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "miio-fan"
	}
	fc := newFakeClient()
	b := newBridge(fc, coord, cfg, logger)
	b.Start()
	return b, fc, coord, sim
}

func TestBridgeAnnounce(t *testing.T) {
	b, fc, coord, _ := newTestBridge(t, Config{})
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.announce()

	if msg, ok := fc.last("miio-fan/bridge/state"); !ok || string(msg.payload) != "online" || !msg.retained {
		t.Errorf("bridge state = %+v", msg)
	}
	if _, ok := fc.last("homeassistant/fan/miio_fan1c/fan/config"); !ok {
		t.Error("fan discovery not published")
	}
	if !fc.subscribed("miio-fan/living_room_fan/set") || !fc.subscribed("miio-fan/living_room_fan/set/+") {
		t.Error("command topics not subscribed")
	}
	if msg, ok := fc.last("miio-fan/living_room_fan/availability"); !ok || string(msg.payload) != "online" {
		t.Errorf("availability = %+v", msg)
	}
}

func TestBridgePublishesStateOnRefresh(t *testing.T) {
	_, fc, coord, _ := newTestBridge(t, Config{})
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg, ok := fc.last("miio-fan/living_room_fan")
	if !ok {
		t.Fatal("state not published")
	}
	if !msg.retained {
		t.Error("state not retained")
	}
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"state":       "OFF",
		"percentage":  float64(1),
		"preset_mode": "Normal",
		"oscillation": "OFF",
		"buzzer":      "ON",
		"child_lock":  "OFF",
		"led":         "ON",
		"delay_off":   float64(0),
	}
	for k, v := range want {
		if state[k] != v {
			t.Errorf("%s = %v, want %v", k, state[k], v)
		}
	}
}

func TestStatePayloadSkipsMissing(t *testing.T) {
	sim, _ := miot.NewSimulator("fan1c", fan.SimulatorSpecs())
	sim.SetFault(2, 12, miot.CodeInternal)
	st, err := fan.New(sim).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	state := statePayload(st)
	if _, ok := state["led"]; ok {
		t.Error("led present despite read failure")
	}
	if state["buzzer"] != "ON" {
		t.Errorf("buzzer = %v", state["buzzer"])
	}
}

func TestBridgeJSONCommand(t *testing.T) {
	b, _, _, sim := newTestBridge(t, Config{})

	b.handleCommand([]byte(`{"state":"ON","percentage":3,"preset_mode":"Nature","oscillation":"ON","bogus":1}`))

	checks := []struct {
		siid, piid int
		want       any
	}{
		{2, 1, true},
		{2, 2, 3},
		{2, 7, 1},
		{2, 3, true},
	}
	for _, c := range checks {
		if v, _ := sim.Value(c.siid, c.piid); v != c.want {
			t.Errorf("%d.%d = %v, want %v", c.siid, c.piid, v, c.want)
		}
	}
}

func TestBridgeTopicCommands(t *testing.T) {
	b, _, coord, sim := newTestBridge(t, Config{})
	set := "miio-fan/living_room_fan/set/"

	b.handleTopicCommand(set+"buzzer", []byte("OFF"))
	b.handleTopicCommand(set+"child_lock", []byte("ON"))
	b.handleTopicCommand(set+"delay_off", []byte("600"))
	b.handleTopicCommand(set+"preset_mode", []byte("normal"))

	if v, _ := sim.Value(2, 11); v != false {
		t.Errorf("buzzer = %v", v)
	}
	if v, _ := sim.Value(3, 1); v != true {
		t.Errorf("child_lock = %v", v)
	}
	if v, _ := sim.Value(2, 10); v != 600 {
		t.Errorf("power_off_time = %v", v)
	}
	if v, _ := sim.Value(2, 7); v != 0 {
		t.Errorf("mode = %v", v)
	}

	// Toggle uses the cached power state.
	if _, err := coord.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.handleTopicCommand(set+"state", []byte("TOGGLE"))
	if v, _ := sim.Value(2, 1); v != true {
		t.Errorf("power after toggle = %v", v)
	}
}

func TestBridgeRejectsInvalidCommands(t *testing.T) {
	b, _, _, sim := newTestBridge(t, Config{})
	ctx := context.Background()

	tests := []struct {
		key   string
		value any
	}{
		{"percentage", float64(4)},
		{"percentage", "fast"},
		{"preset_mode", "Turbo"},
		{"buzzer", "maybe"},
		{"delay_off", float64(-5)},
		{"angle", float64(90)},
	}
	for _, tt := range tests {
		if err := b.apply(ctx, tt.key, tt.value); err == nil {
			t.Errorf("apply(%s, %v) succeeded", tt.key, tt.value)
		}
	}
	if v, _ := sim.Value(2, 2); v != 1 {
		t.Errorf("fan_level changed to %v", v)
	}
}

func TestBridgeStop(t *testing.T) {
	b, fc, _, _ := newTestBridge(t, Config{RemoveDiscovery: true})
	b.Stop()

	if msg, ok := fc.last("miio-fan/bridge/state"); !ok || string(msg.payload) != "offline" {
		t.Errorf("bridge state = %+v", msg)
	}
	if msg, ok := fc.last("homeassistant/fan/miio_fan1c/fan/config"); !ok || len(msg.payload) != 0 {
		t.Errorf("fan discovery not removed: %+v", msg)
	}
	if !fc.disconnected {
		t.Error("client not disconnected")
	}
}
