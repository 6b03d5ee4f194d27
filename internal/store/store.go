package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists the property tree of simulated devices.
type Store interface {
	// LoadProperties returns the saved "siid.piid" -> value map for a device.
	// A device that was never saved yields an empty map, not ErrNotFound.
	LoadProperties(did string) (map[string]any, error)

	// SaveProperty atomically updates one property of a device.
	SaveProperty(did, key string, value any) error

	GetState(did string) (*DeviceState, error)
	ListStates() ([]*DeviceState, error)
	DeleteDevice(did string) error

	// Close the store
	Close() error
}
