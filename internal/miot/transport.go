package miot

import "context"

// Transport exchanges MIoT property requests with one device.
//
// Implementations own the session: addressing, encryption, retries and
// timeouts all live behind this interface. A non-nil error means the
// exchange itself failed; per-property failures come back as non-zero
// Result codes.
type Transport interface {
	// GetProperties reads props in one batched request. Results are
	// returned in request order, one per property.
	GetProperties(ctx context.Context, props []Property) ([]Result, error)

	// SetProperty writes a single property value.
	SetProperty(ctx context.Context, prop Property, value any) (Result, error)

	Close() error
}
