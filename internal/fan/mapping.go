package fan

import "miio-fan/internal/miot"

// Model is the miIO model identifier of the Mi Smart Pedestal Fan DMaker 1C.
const Model = "dmaker.fan.1c"

// Attribute is a semantic property name of the fan.
type Attribute string

const (
	AttrPower        Attribute = "power"
	AttrFanLevel     Attribute = "fan_level"
	AttrChildLock    Attribute = "child_lock"
	AttrSwingMode    Attribute = "swing_mode"
	AttrPowerOffTime Attribute = "power_off_time"
	AttrBuzzer       Attribute = "buzzer"
	AttrLight        Attribute = "light"
	AttrMode         Attribute = "mode"
)

// Attributes lists every attribute in mapping order.
var Attributes = []Attribute{
	AttrPower,
	AttrFanLevel,
	AttrChildLock,
	AttrSwingMode,
	AttrPowerOffTime,
	AttrBuzzer,
	AttrLight,
	AttrMode,
}

// Mapping places each attribute on the device's property tree.
var Mapping = miot.MustMapping(
	miot.Property{Name: string(AttrPower), SIID: 2, PIID: 1},
	miot.Property{Name: string(AttrFanLevel), SIID: 2, PIID: 2},
	miot.Property{Name: string(AttrChildLock), SIID: 3, PIID: 1},
	miot.Property{Name: string(AttrSwingMode), SIID: 2, PIID: 3},
	miot.Property{Name: string(AttrPowerOffTime), SIID: 2, PIID: 10},
	miot.Property{Name: string(AttrBuzzer), SIID: 2, PIID: 11},
	miot.Property{Name: string(AttrLight), SIID: 2, PIID: 12},
	miot.Property{Name: string(AttrMode), SIID: 2, PIID: 7},
)

// MaxPowerOffDelay is the longest delayed turn-off the firmware accepts, in seconds.
const MaxPowerOffDelay = 8 * 60 * 60

// SimulatorSpecs describes the 1C property tree for miot.Simulator.
func SimulatorSpecs() []miot.PropertySpec {
	rw := miot.AccessRead | miot.AccessWrite | miot.AccessNotify
	return []miot.PropertySpec{
		{SIID: 2, PIID: 1, Name: string(AttrPower), Access: rw, Kind: miot.KindBool, Default: false},
		{SIID: 2, PIID: 2, Name: string(AttrFanLevel), Access: rw, Kind: miot.KindUint, Min: 1, Max: 3, Default: 1},
		{SIID: 2, PIID: 3, Name: string(AttrSwingMode), Access: rw, Kind: miot.KindBool, Default: false},
		{SIID: 2, PIID: 7, Name: string(AttrMode), Access: rw, Kind: miot.KindUint, Min: 0, Max: 1, Default: 0},
		{SIID: 2, PIID: 10, Name: string(AttrPowerOffTime), Access: rw, Kind: miot.KindUint, Min: 0, Max: MaxPowerOffDelay, Default: 0},
		{SIID: 2, PIID: 11, Name: string(AttrBuzzer), Access: rw, Kind: miot.KindBool, Default: true},
		{SIID: 2, PIID: 12, Name: string(AttrLight), Access: rw, Kind: miot.KindBool, Default: true},
		{SIID: 3, PIID: 1, Name: string(AttrChildLock), Access: rw, Kind: miot.KindBool, Default: false},
	}
}
