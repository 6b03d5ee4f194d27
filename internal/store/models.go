package store

import "time"

// DeviceState is the persisted property tree of one simulated device.
type DeviceState struct {
	DID        string         `json:"did"`
	Properties map[string]any `json:"properties"` // "siid.piid" -> value
	UpdatedAt  time.Time      `json:"updated_at"`
}
