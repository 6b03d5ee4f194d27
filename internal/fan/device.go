// Package fan adapts the Xiaomi Mi Smart Pedestal Fan DMaker 1C to a typed
// Go API on top of a MIoT property transport.
//
// A Device holds no state between calls. Every setter validates its input,
// then issues exactly one property write; Status issues one batched read.
// Transport errors are returned unchanged. Device is not safe for concurrent
// use; callers serialize access.
package fan

import (
	"context"
	"fmt"

	"miio-fan/internal/miot"
)

// Device is the DMaker 1C adapter.
type Device struct {
	transport miot.Transport
	mapping   *miot.Mapping
}

// New creates an adapter that talks to the fan through t.
func New(t miot.Transport) *Device {
	return &Device{transport: t, mapping: Mapping}
}

// Mapping returns the property table the adapter uses.
func (d *Device) Mapping() *miot.Mapping {
	return d.mapping
}

// Status reads all mapped properties in one request. Properties the device
// answered with a non-zero code are absent from the snapshot; that is not
// an error.
func (d *Device) Status(ctx context.Context) (*Status, error) {
	results, err := d.transport.GetProperties(ctx, d.mapping.Properties())
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(results))
	for _, r := range results {
		name := r.DID
		if _, ok := d.mapping.Lookup(name); !ok {
			p, ok := d.mapping.Find(r.SIID, r.PIID)
			if !ok {
				continue
			}
			name = p.Name
		}
		if r.Code == miot.CodeOK {
			data[name] = r.Value
		} else {
			data[name] = nil
		}
	}
	return newStatus(data), nil
}

// TurnOn powers the fan on.
func (d *Device) TurnOn(ctx context.Context) (miot.Result, error) {
	return d.set(ctx, AttrPower, true)
}

// TurnOff powers the fan off.
func (d *Device) TurnOff(ctx context.Context) (miot.Result, error) {
	return d.set(ctx, AttrPower, false)
}

// SetSpeed sets the direct-mode speed level (1, 2 or 3).
func (d *Device) SetSpeed(ctx context.Context, level int) (miot.Result, error) {
	if level < 1 || level > 3 {
		return miot.Result{}, fmt.Errorf("%w: speed %d not in 1..3", ErrInvalidArgument, level)
	}
	return d.set(ctx, AttrFanLevel, level)
}

// SetOscillation turns oscillation on or off.
func (d *Device) SetOscillation(ctx context.Context, enabled bool) (miot.Result, error) {
	return d.set(ctx, AttrSwingMode, enabled)
}

// SetBuzzer turns the buzzer on or off.
func (d *Device) SetBuzzer(ctx context.Context, enabled bool) (miot.Result, error) {
	return d.set(ctx, AttrBuzzer, enabled)
}

// SetChildLock turns the child lock on or off.
func (d *Device) SetChildLock(ctx context.Context, enabled bool) (miot.Result, error) {
	return d.set(ctx, AttrChildLock, enabled)
}

// SetNaturalMode switches between natural (1) and normal (0) wind.
func (d *Device) SetNaturalMode(ctx context.Context, enabled bool) (miot.Result, error) {
	mode := 0
	if enabled {
		mode = 1
	}
	return d.set(ctx, AttrMode, mode)
}

// SetPowerOffDelay schedules the fan to turn off after seconds. Zero cancels.
func (d *Device) SetPowerOffDelay(ctx context.Context, seconds int) (miot.Result, error) {
	if seconds < 0 {
		return miot.Result{}, fmt.Errorf("%w: delayed turn off %d seconds", ErrInvalidArgument, seconds)
	}
	return d.set(ctx, AttrPowerOffTime, seconds)
}

func (d *Device) set(ctx context.Context, attr Attribute, value any) (miot.Result, error) {
	prop, ok := d.mapping.Lookup(string(attr))
	if !ok {
		return miot.Result{}, fmt.Errorf("fan: attribute %q has no mapping", attr)
	}
	return d.transport.SetProperty(ctx, prop, value)
}
