package miot

import (
	"errors"
	"strings"
	"testing"
)

func TestNewMappingLookup(t *testing.T) {
	m, err := NewMapping(
		Property{Name: "power", SIID: 2, PIID: 1},
		Property{Name: "child_lock", SIID: 3, PIID: 1},
	)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}

	p, ok := m.Lookup("child_lock")
	if !ok {
		t.Fatal("child_lock not found")
	}
	if p.SIID != 3 || p.PIID != 1 {
		t.Errorf("child_lock = %d.%d, want 3.1", p.SIID, p.PIID)
	}

	if _, ok := m.Lookup("angle"); ok {
		t.Error("unexpected entry for angle")
	}

	p, ok = m.Find(2, 1)
	if !ok || p.Name != "power" {
		t.Errorf("Find(2, 1) = %v, %v; want power", p, ok)
	}
}

func TestNewMappingKeepsOrder(t *testing.T) {
	m := MustMapping(
		Property{Name: "b", SIID: 2, PIID: 2},
		Property{Name: "a", SIID: 2, PIID: 1},
	)
	props := m.Properties()
	if props[0].Name != "b" || props[1].Name != "a" {
		t.Errorf("order = %v", props)
	}

	// Properties returns a copy.
	props[0].Name = "changed"
	if got, _ := m.Lookup("b"); got.Name != "b" {
		t.Error("mapping mutated through Properties()")
	}
}

func TestNewMappingRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		props []Property
		want  string
	}{
		{"empty name", []Property{{SIID: 2, PIID: 1}}, "empty property name"},
		{"zero siid", []Property{{Name: "x", PIID: 1}}, "must be positive"},
		{"duplicate name", []Property{{Name: "x", SIID: 2, PIID: 1}, {Name: "x", SIID: 2, PIID: 2}}, "duplicate property name"},
		{"duplicate address", []Property{{Name: "x", SIID: 2, PIID: 1}, {Name: "y", SIID: 2, PIID: 1}}, "share siid.piid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapping(tt.props...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestMustMappingPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustMapping(Property{Name: "x"})
}

func TestResultErr(t *testing.T) {
	if err := (Result{Code: CodeOK}).Err(); err != nil {
		t.Errorf("code 0: err = %v", err)
	}
	if err := (Result{Code: CodeAccepted}).Err(); err != nil {
		t.Errorf("code 1: err = %v", err)
	}

	err := Result{DID: "light", SIID: 2, PIID: 12, Code: CodeUnreadable}.Err()
	var ce *CodeError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *CodeError", err)
	}
	if ce.Code != CodeUnreadable {
		t.Errorf("code = %d", ce.Code)
	}
	if !strings.Contains(err.Error(), "property unreadable") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestToInt(t *testing.T) {
	tests := []struct {
		in     any
		want   int
		wantOK bool
	}{
		{2, 2, true},
		{int64(120), 120, true},
		{uint8(3), 3, true},
		{float64(2), 2, true},
		{float64(2.5), 0, false},
		{true, 1, true},
		{false, 0, true},
		{"2", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToInt(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ToInt(%v) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestToBool(t *testing.T) {
	tests := []struct {
		in     any
		want   bool
		wantOK bool
	}{
		{true, true, true},
		{0, false, true},
		{float64(1), true, true},
		{"on", true, true},
		{"OFF", false, true},
		{"yes", true, true},
		{"true", true, true},
		{"0", false, true},
		{"maybe", false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		got, ok := ToBool(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ToBool(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
