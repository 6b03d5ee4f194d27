package miot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ValueKind is the value format of a simulated property.
type ValueKind uint8

const (
	KindBool ValueKind = iota + 1
	KindUint
)

// PropertySpec describes one property of a simulated device.
type PropertySpec struct {
	SIID    int
	PIID    int
	Name    string
	Access  uint8 // bitmask: 1=read, 2=write, 4=notify
	Kind    ValueKind
	Min     int // KindUint only
	Max     int // KindUint only
	Default any
}

func (s PropertySpec) key() string {
	return Property{SIID: s.SIID, PIID: s.PIID}.Key()
}

// IsReadable returns true if the property can be read.
func (s PropertySpec) IsReadable() bool {
	return s.Access&AccessRead != 0
}

// IsWritable returns true if the property can be written.
func (s PropertySpec) IsWritable() bool {
	return s.Access&AccessWrite != 0
}

// normalize coerces v to the property's kind and checks its range.
func (s PropertySpec) normalize(v any) (any, bool) {
	switch s.Kind {
	case KindBool:
		return ToBool(v)
	case KindUint:
		n, ok := ToInt(v)
		if !ok || n < s.Min || n > s.Max {
			return nil, false
		}
		return n, true
	default:
		return v, true
	}
}

// StateStore persists simulated property values between runs.
type StateStore interface {
	LoadProperties(did string) (map[string]any, error)
	SaveProperty(did, key string, value any) error
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithStateStore persists every accepted write and restores values on start.
func WithStateStore(st StateStore) SimulatorOption {
	return func(s *Simulator) {
		s.store = st
	}
}

// WithSimulatorLogger sets the logger used for debug output.
func WithSimulatorLogger(logger *slog.Logger) SimulatorOption {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// Simulator is an in-process MIoT device. It answers property requests the
// way firmware does, with per-property result codes, and implements Transport.
type Simulator struct {
	did    string
	store  StateStore
	logger *slog.Logger

	mu     sync.Mutex
	specs  map[string]PropertySpec
	values map[string]any
	faults map[string]int
	closed bool
}

// NewSimulator creates a simulated device with the given property tree.
func NewSimulator(did string, specs []PropertySpec, opts ...SimulatorOption) (*Simulator, error) {
	s := &Simulator{
		did:    did,
		logger: slog.Default(),
		specs:  make(map[string]PropertySpec, len(specs)),
		values: make(map[string]any, len(specs)),
		faults: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simulator", "did", did)

	for _, spec := range specs {
		if _, dup := s.specs[spec.key()]; dup {
			return nil, fmt.Errorf("simulator: duplicate property %s", spec.key())
		}
		s.specs[spec.key()] = spec
		if spec.Default != nil {
			v, ok := spec.normalize(spec.Default)
			if !ok {
				return nil, fmt.Errorf("simulator: invalid default %v for %s", spec.Default, spec.key())
			}
			s.values[spec.key()] = v
		}
	}

	if s.store != nil {
		saved, err := s.store.LoadProperties(did)
		if err != nil {
			return nil, fmt.Errorf("simulator: load state: %w", err)
		}
		for key, raw := range saved {
			spec, ok := s.specs[key]
			if !ok {
				continue
			}
			v, ok := spec.normalize(raw)
			if !ok {
				s.logger.Warn("discarding invalid stored value", "key", key, "value", raw)
				continue
			}
			s.values[key] = v
		}
	}
	return s, nil
}

// SetFault makes every request for (siid, piid) fail with code until
// ClearFaults is called.
func (s *Simulator) SetFault(siid, piid, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[Property{SIID: siid, PIID: piid}.Key()] = code
}

// ClearFaults removes all injected faults.
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.faults)
}

// Value returns the current value of a property.
func (s *Simulator) Value(siid, piid int) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[Property{SIID: siid, PIID: piid}.Key()]
	return v, ok
}

func (s *Simulator) GetProperties(ctx context.Context, props []Property) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	results := make([]Result, 0, len(props))
	for _, p := range props {
		r := Result{DID: p.Name, SIID: p.SIID, PIID: p.PIID}
		spec, ok := s.specs[p.Key()]
		switch {
		case !ok:
			r.Code = CodeNotFound
		case !spec.IsReadable():
			r.Code = CodeUnreadable
		case s.faults[p.Key()] != 0:
			r.Code = s.faults[p.Key()]
		default:
			r.Value = s.values[p.Key()]
		}
		results = append(results, r)
	}
	s.logger.Debug("get_properties", "count", len(props))
	return results, nil
}

func (s *Simulator) SetProperty(ctx context.Context, p Property, value any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, ErrClosed
	}

	r := Result{DID: p.Name, SIID: p.SIID, PIID: p.PIID}
	spec, ok := s.specs[p.Key()]
	if !ok {
		r.Code = CodeNotFound
		return r, nil
	}
	if !spec.IsWritable() {
		r.Code = CodeNotWritable
		return r, nil
	}
	if code := s.faults[p.Key()]; code != 0 {
		r.Code = code
		return r, nil
	}
	v, ok := spec.normalize(value)
	if !ok {
		r.Code = CodeInvalidValue
		return r, nil
	}

	if s.store != nil {
		if err := s.store.SaveProperty(s.did, p.Key(), v); err != nil {
			r.Code = CodeInternal
			return r, fmt.Errorf("simulator: persist %s: %w", p.Key(), err)
		}
	}
	s.values[p.Key()] = v
	s.logger.Debug("set_properties", "property", p.String(), "value", v)
	return r, nil
}

// Close marks the simulator closed. The state store is owned by the caller.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
