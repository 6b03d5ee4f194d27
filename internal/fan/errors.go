package fan

import "errors"

var (
	// ErrInvalidArgument is returned before any transport call when a
	// setter receives a value outside its domain.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMissingAttribute is returned by Status accessors when the device
	// did not report the backing property.
	ErrMissingAttribute = errors.New("attribute not reported")

	// ErrInvalidValue is returned by Status accessors when the reported
	// value cannot be decoded into the attribute's type or range.
	ErrInvalidValue = errors.New("invalid attribute value")
)
