package miot

import (
	"errors"
	"fmt"
)

// MIoT property result codes.
const (
	CodeOK            = 0
	CodeAccepted      = 1 // write accepted, device applies it later
	CodeUnreadable    = -4001
	CodeNotWritable   = -4002
	CodeNotFound      = -4003
	CodeInternal      = -4004
	CodeInvalidValue  = -4005
	CodeInvalidParams = -4006
	CodeDIDError      = -4007
)

var (
	// ErrTimeout is returned when the device (or its relay) does not answer in time.
	ErrTimeout = errors.New("miot: request timed out")
	// ErrClosed is returned when a transport is used after Close.
	ErrClosed = errors.New("miot: transport closed")
)

// Result is one entry of a get_properties / set_properties response.
type Result struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Code  int    `json:"code"`
	Value any    `json:"value,omitempty"`
}

// OK reports whether the device accepted the request for this property.
func (r Result) OK() bool {
	return r.Code == CodeOK || r.Code == CodeAccepted
}

// Err returns a *CodeError for a failed result, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &CodeError{DID: r.DID, SIID: r.SIID, PIID: r.PIID, Code: r.Code}
}

// CodeError is a per-property failure reported by the device.
type CodeError struct {
	DID  string
	SIID int
	PIID int
	Code int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("miot: %s (siid=%d, piid=%d): code %d: %s", e.DID, e.SIID, e.PIID, e.Code, CodeText(e.Code))
}

// CodeText returns a human-readable description of a MIoT result code.
func CodeText(code int) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeAccepted:
		return "accepted"
	case CodeUnreadable:
		return "property unreadable"
	case CodeNotWritable:
		return "property not writable"
	case CodeNotFound:
		return "property does not exist"
	case CodeInternal:
		return "internal error"
	case CodeInvalidValue:
		return "invalid property value"
	case CodeInvalidParams:
		return "invalid parameters"
	case CodeDIDError:
		return "did error"
	default:
		return "unknown"
	}
}
