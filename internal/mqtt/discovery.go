//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"miio-fan/internal/coordinator"
	"miio-fan/internal/fan"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/fan/miio_fan1c/fan/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery covers the fan, switch, binary_sensor and sensor components.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	StateOn           string           `json:"state_on,omitempty"`
	StateOff          string           `json:"state_off,omitempty"`

	StateValueTemplate       string   `json:"state_value_template,omitempty"`
	PercentageStateTopic     string   `json:"percentage_state_topic,omitempty"`
	PercentageCommandTopic   string   `json:"percentage_command_topic,omitempty"`
	PercentageValueTemplate  string   `json:"percentage_value_template,omitempty"`
	SpeedRangeMin            int      `json:"speed_range_min,omitempty"`
	SpeedRangeMax            int      `json:"speed_range_max,omitempty"`
	PresetModeStateTopic     string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeCommandTopic   string   `json:"preset_mode_command_topic,omitempty"`
	PresetModeValueTemplate  string   `json:"preset_mode_value_template,omitempty"`
	PresetModes              []string `json:"preset_modes,omitempty"`
	OscillationStateTopic    string   `json:"oscillation_state_topic,omitempty"`
	OscillationCommandTopic  string   `json:"oscillation_command_topic,omitempty"`
	OscillationValueTemplate string   `json:"oscillation_value_template,omitempty"`
	PayloadOscillationOn     string   `json:"payload_oscillation_on,omitempty"`
	PayloadOscillationOff    string   `json:"payload_oscillation_off,omitempty"`

	Device haDevice `json:"device"`
}

// topicName sanitizes the configured fan name for use in MQTT topics,
// falling back to the did.
func topicName(info coordinator.Info) string {
	if info.Name == "" {
		return info.DID
	}
	name := strings.ToLower(info.Name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func displayName(info coordinator.Info) string {
	if info.Name != "" {
		return info.Name
	}
	return "Mi Fan " + info.DID
}

func nodeID(info coordinator.Info) string {
	return "miio_" + info.DID
}

// topics are the per-fan MQTT topics under the bridge prefix.
type topics struct {
	state        string
	availability string
	set          string // JSON commands
	bridge       string
}

func fanTopics(prefix string, info coordinator.Info) topics {
	base := prefix + "/" + topicName(info)
	return topics{
		state:        base,
		availability: base + "/availability",
		set:          base + "/set",
		bridge:       prefix + "/bridge/state",
	}
}

// commandTopic is the plain-payload command topic for one state key.
func (t topics) commandTopic(key string) string {
	return t.set + "/" + key
}

// buildDiscovery generates HA discovery messages for the fan.
func buildDiscovery(info coordinator.Info, prefix, discoveryPrefix string) []discoveryMsg {
	tp := fanTopics(prefix, info)
	node := nodeID(info)
	name := displayName(info)
	avail := []haAvailability{{Topic: tp.bridge}, {Topic: tp.availability}}
	dev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Xiaomi",
		Model:        fan.Model,
		Name:         name,
	}
	base := func(component, object, suffix string) (string, haDiscovery) {
		topic := fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, node, object)
		d := haDiscovery{
			Name:             strings.TrimSpace(name + " " + suffix),
			UniqueID:         node + "_" + object,
			StateTopic:       tp.state,
			Availability:     avail,
			AvailabilityMode: "all",
			Device:           dev,
		}
		return topic, d
	}

	var msgs []discoveryMsg

	topic, d := base("fan", "fan", "")
	d.CommandTopic = tp.commandTopic("state")
	d.StateValueTemplate = "{{ value_json.state }}"
	d.PayloadOn = "ON"
	d.PayloadOff = "OFF"
	d.PercentageStateTopic = tp.state
	d.PercentageCommandTopic = tp.commandTopic("percentage")
	d.PercentageValueTemplate = "{{ value_json.percentage }}"
	d.SpeedRangeMin = 1
	d.SpeedRangeMax = 3
	d.PresetModeStateTopic = tp.state
	d.PresetModeCommandTopic = tp.commandTopic("preset_mode")
	d.PresetModeValueTemplate = "{{ value_json.preset_mode }}"
	d.PresetModes = []string{fan.ModeNormal.String(), fan.ModeNature.String()}
	d.OscillationStateTopic = tp.state
	d.OscillationCommandTopic = tp.commandTopic("oscillation")
	d.OscillationValueTemplate = "{{ value_json.oscillation }}"
	d.PayloadOscillationOn = "ON"
	d.PayloadOscillationOff = "OFF"
	msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(d)})

	msgs = append(msgs, buildSwitch(base, tp, "buzzer", "Buzzer", "mdi:volume-high"))
	msgs = append(msgs, buildSwitch(base, tp, "child_lock", "Child Lock", "mdi:lock"))

	topic, d = base("binary_sensor", "led", "LED")
	d.ValueTemplate = "{{ value_json.led }}"
	d.PayloadOn = "ON"
	d.PayloadOff = "OFF"
	d.Icon = "mdi:led-on"
	msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(d)})

	topic, d = base("sensor", "delay_off", "Delay Off")
	d.ValueTemplate = "{{ value_json.delay_off }}"
	d.UnitOfMeasurement = "s"
	d.DeviceClass = "duration"
	msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(d)})

	return msgs
}

func buildSwitch(base func(component, object, suffix string) (string, haDiscovery), tp topics,
	key, suffix, icon string) discoveryMsg {

	topic, d := base("switch", key, suffix)
	d.CommandTopic = tp.commandTopic(key)
	d.ValueTemplate = "{{ value_json." + key + " }}"
	d.PayloadOn = "ON"
	d.PayloadOff = "OFF"
	d.StateOn = "ON"
	d.StateOff = "OFF"
	d.Icon = icon
	return discoveryMsg{Topic: topic, Payload: mustJSON(d)}
}

// buildRemoveDiscovery generates empty retained messages to remove the fan from HA.
func buildRemoveDiscovery(info coordinator.Info, discoveryPrefix string) []discoveryMsg {
	node := nodeID(info)
	components := []struct{ comp, obj string }{
		{"fan", "fan"},
		{"switch", "buzzer"},
		{"switch", "child_lock"},
		{"binary_sensor", "led"},
		{"sensor", "delay_off"},
	}
	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, c.comp, node, c.obj),
		})
	}
	return msgs
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// statePayload renders a status snapshot as the HA state document. Keys for
// properties the fan did not report are left out.
func statePayload(st *fan.Status) map[string]any {
	state := make(map[string]any)
	if on, err := st.IsOn(); err == nil {
		state["state"] = onOff(on)
	}
	if speed, err := st.Speed(); err == nil {
		state["percentage"] = speed
	}
	if mode, err := st.Mode(); err == nil {
		state["preset_mode"] = mode.String()
	}
	if osc, err := st.Oscillate(); err == nil {
		state["oscillation"] = onOff(osc)
	}
	if buzzer, err := st.Buzzer(); err == nil {
		state["buzzer"] = onOff(buzzer)
	}
	if lock, err := st.ChildLock(); err == nil {
		state["child_lock"] = onOff(lock)
	}
	if led, err := st.LED(); err == nil {
		state["led"] = onOff(led)
	}
	if delay, err := st.DelayOffCountdown(); err == nil {
		state["delay_off"] = delay
	}
	return state
}
