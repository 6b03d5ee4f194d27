package fan

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// PowerState is the on/off state of the fan.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
)

func (p PowerState) String() string {
	if p == PowerOn {
		return "on"
	}
	return "off"
}

// OperationMode is the wind pattern.
type OperationMode int

const (
	ModeNormal OperationMode = iota
	ModeNature
)

func (m OperationMode) String() string {
	if m == ModeNature {
		return "Nature"
	}
	return "Normal"
}

// rawStatus is the typed record decoded from one get_properties round trip.
// A nil field means the device did not report the property.
type rawStatus struct {
	Power        *bool `mapstructure:"power"`
	FanLevel     *int  `mapstructure:"fan_level"`
	ChildLock    *bool `mapstructure:"child_lock"`
	SwingMode    *bool `mapstructure:"swing_mode"`
	PowerOffTime *int  `mapstructure:"power_off_time"`
	Buzzer       *bool `mapstructure:"buzzer"`
	Light        *bool `mapstructure:"light"`
	Mode         *int  `mapstructure:"mode"`
}

// Status is an immutable snapshot of the fan taken by Device.Status.
//
// Accessors return ErrMissingAttribute (wrapped with the attribute name)
// when the device did not report the backing property, and ErrInvalidValue
// when it reported something that does not decode. Use Has to check first
// when a missing value is expected.
type Status struct {
	data    map[string]any
	raw     rawStatus
	invalid map[string]error
}

// newStatus decodes every attribute on its own so one bad value only
// costs that attribute.
func newStatus(data map[string]any) *Status {
	s := &Status{data: data, invalid: make(map[string]error)}
	for name, v := range data {
		if v == nil {
			continue
		}
		if err := decodeField(&s.raw, name, v); err != nil {
			s.invalid[name] = err
		}
	}
	return s
}

func decodeField(raw *rawStatus, name string, v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       integralHook,
		WeaklyTypedInput: true,
		Result:           raw,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any{name: v}); err != nil {
		return err
	}
	if name == string(AttrPowerOffTime) && raw.PowerOffTime != nil && *raw.PowerOffTime < 0 {
		raw.PowerOffTime = nil
		return fmt.Errorf("negative countdown %v", v)
	}
	return nil
}

// integralHook refuses to truncate fractional numbers into int fields.
func integralHook(from, to reflect.Kind, data any) (any, error) {
	if to != reflect.Int || (from != reflect.Float32 && from != reflect.Float64) {
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not an integer", data)
	}
	return data, nil
}

// Has reports whether the device reported a usable value for attr.
func (s *Status) Has(attr Attribute) bool {
	return s.data[string(attr)] != nil && s.invalid[string(attr)] == nil
}

// Raw returns a copy of the attribute -> raw value map. Absent attributes
// map to nil.
func (s *Status) Raw() map[string]any {
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Power returns the power state.
func (s *Status) Power() (PowerState, error) {
	on, err := s.IsOn()
	if err != nil {
		return PowerOff, err
	}
	if on {
		return PowerOn, nil
	}
	return PowerOff, nil
}

// IsOn reports whether the fan is running.
func (s *Status) IsOn() (bool, error) {
	return s.boolField(s.raw.Power, AttrPower)
}

// Mode returns the operation mode: 1 is Nature, anything else Normal.
func (s *Status) Mode() (OperationMode, error) {
	m, err := s.intField(s.raw.Mode, AttrMode)
	if err != nil {
		return ModeNormal, err
	}
	if m == 1 {
		return ModeNature, nil
	}
	return ModeNormal, nil
}

// Speed returns the direct-mode speed level, 1 to 3.
func (s *Status) Speed() (int, error) {
	return s.intField(s.raw.FanLevel, AttrFanLevel)
}

// Oscillate reports whether oscillation is enabled.
func (s *Status) Oscillate() (bool, error) {
	return s.boolField(s.raw.SwingMode, AttrSwingMode)
}

// DelayOffCountdown returns the seconds left until the fan turns itself off.
func (s *Status) DelayOffCountdown() (int, error) {
	return s.intField(s.raw.PowerOffTime, AttrPowerOffTime)
}

// LED reports whether the indicator light is on.
func (s *Status) LED() (bool, error) {
	return s.boolField(s.raw.Light, AttrLight)
}

// Buzzer reports whether the buzzer is enabled.
func (s *Status) Buzzer() (bool, error) {
	return s.boolField(s.raw.Buzzer, AttrBuzzer)
}

// ChildLock reports whether the child lock is engaged.
func (s *Status) ChildLock() (bool, error) {
	return s.boolField(s.raw.ChildLock, AttrChildLock)
}

// MarshalJSON encodes the raw attribute map.
func (s *Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.data)
}

// Format renders the snapshot as the multi-line text shown by the CLI.
func (s *Status) Format() string {
	var b strings.Builder
	line := func(label string, v any, err error) {
		if err != nil {
			v = "unknown"
		}
		fmt.Fprintf(&b, "%s: %v\n", label, v)
	}
	power, err := s.Power()
	line("Power", power, err)
	mode, err := s.Mode()
	line("Operation mode", mode, err)
	speed, err := s.Speed()
	line("Speed", speed, err)
	osc, err := s.Oscillate()
	line("Oscillate", osc, err)
	led, err := s.LED()
	line("LED", led, err)
	buzzer, err := s.Buzzer()
	line("Buzzer", buzzer, err)
	lock, err := s.ChildLock()
	line("Child lock", lock, err)
	delay, err := s.DelayOffCountdown()
	line("Delay off countdown", delay, err)
	return b.String()
}

func (s *Status) String() string {
	show := func(v any, err error) any {
		if err != nil {
			return "unknown"
		}
		return v
	}
	power, powerErr := s.Power()
	mode, modeErr := s.Mode()
	speed, speedErr := s.Speed()
	osc, oscErr := s.Oscillate()
	led, ledErr := s.LED()
	buzzer, buzzerErr := s.Buzzer()
	lock, lockErr := s.ChildLock()
	delay, delayErr := s.DelayOffCountdown()
	return fmt.Sprintf("<FanStatus power=%v, mode=%v, speed=%v, oscillate=%v, led=%v, buzzer=%v, child_lock=%v, delay_off_countdown=%v>",
		show(power, powerErr),
		show(mode, modeErr),
		show(speed, speedErr),
		show(osc, oscErr),
		show(led, ledErr),
		show(buzzer, buzzerErr),
		show(lock, lockErr),
		show(delay, delayErr),
	)
}

func (s *Status) missing(attr Attribute) error {
	if err, ok := s.invalid[string(attr)]; ok {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, attr, err)
	}
	return fmt.Errorf("%w: %s", ErrMissingAttribute, attr)
}

func (s *Status) boolField(v *bool, attr Attribute) (bool, error) {
	if v == nil {
		return false, s.missing(attr)
	}
	return *v, nil
}

func (s *Status) intField(v *int, attr Attribute) (int, error) {
	if v == nil {
		return 0, s.missing(attr)
	}
	return *v, nil
}
