package miot

import (
	"fmt"
)

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessNotify uint8 = 0x04
)

// Property addresses a single MIoT property by its service and property IDs.
// Name is the semantic attribute name; on the wire it travels as "did".
type Property struct {
	Name string `json:"did"`
	SIID int    `json:"siid"`
	PIID int    `json:"piid"`
}

// Key returns the "siid.piid" form used to index the property tree.
func (p Property) Key() string {
	return fmt.Sprintf("%d.%d", p.SIID, p.PIID)
}

func (p Property) String() string {
	return fmt.Sprintf("%s(siid=%d, piid=%d)", p.Name, p.SIID, p.PIID)
}

// Mapping is an ordered, immutable table of named properties.
type Mapping struct {
	props  []Property
	byName map[string]int
	byKey  map[string]int
}

// NewMapping builds a mapping. Names and (siid, piid) pairs must be unique,
// and both IDs must be positive.
func NewMapping(props ...Property) (*Mapping, error) {
	m := &Mapping{
		props:  make([]Property, 0, len(props)),
		byName: make(map[string]int, len(props)),
		byKey:  make(map[string]int, len(props)),
	}
	for _, p := range props {
		if p.Name == "" {
			return nil, fmt.Errorf("mapping: empty property name (siid=%d, piid=%d)", p.SIID, p.PIID)
		}
		if p.SIID <= 0 || p.PIID <= 0 {
			return nil, fmt.Errorf("mapping: %s: siid and piid must be positive", p.Name)
		}
		if _, dup := m.byName[p.Name]; dup {
			return nil, fmt.Errorf("mapping: duplicate property name %q", p.Name)
		}
		if other, dup := m.byKey[p.Key()]; dup {
			return nil, fmt.Errorf("mapping: %s and %s share siid.piid %s", m.props[other].Name, p.Name, p.Key())
		}
		m.byName[p.Name] = len(m.props)
		m.byKey[p.Key()] = len(m.props)
		m.props = append(m.props, p)
	}
	return m, nil
}

// MustMapping is like NewMapping but panics on an invalid table.
// Mapping tables are static data; a bad one is a programming error.
func MustMapping(props ...Property) *Mapping {
	m, err := NewMapping(props...)
	if err != nil {
		panic(err)
	}
	return m
}

// Lookup finds a property by semantic name.
func (m *Mapping) Lookup(name string) (Property, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Property{}, false
	}
	return m.props[i], true
}

// Find looks up a property by its protocol address.
func (m *Mapping) Find(siid, piid int) (Property, bool) {
	i, ok := m.byKey[Property{SIID: siid, PIID: piid}.Key()]
	if !ok {
		return Property{}, false
	}
	return m.props[i], true
}

// Properties returns the entries in table order. The slice is a copy.
func (m *Mapping) Properties() []Property {
	out := make([]Property, len(m.props))
	copy(out, m.props)
	return out
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	return len(m.props)
}
