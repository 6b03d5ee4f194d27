//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Mode", Description: "quiet after 22h", Enabled: true},
		LuaCode: `fan.set_buzzer(false)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_mode" {
		t.Errorf("id = %q, want night_mode", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "fan.set_buzzer(false)" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerUpdateKeepsID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "speed", Meta: ScriptMeta{Name: "Speed"}, LuaCode: `fan.set_speed(1)`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `fan.set_speed(2)`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("speed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "fan.set_speed(2)") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerRoundTripKeepsCode(t *testing.T) {
	m := newTestManager(t)

	for _, code := range []string{
		"fan.log('y')",
		"fan.log('y')\n",
		"\n\nfan.turn_on()\n\n",
		"",
	} {
		saved, err := m.Save(&Script{ID: "rt", Meta: ScriptMeta{Name: "RT"}, LuaCode: code})
		if err != nil {
			t.Fatal(err)
		}
		got, err := m.Get(saved.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.LuaCode != code {
			t.Errorf("lua_code = %q, want %q", got.LuaCode, code)
		}
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	want := []string{"dup", "dup_1", "dup_2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}

	unnamed, err := m.Save(&Script{})
	if err != nil {
		t.Fatal(err)
	}
	if unnamed.ID != "script" {
		t.Errorf("unnamed id = %q", unnamed.ID)
	}
}

func TestManagerListSortedSkipsOthers(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(m.Dir(), "sub.lua"), 0o755)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	if scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Errorf("order = %s, %s, %s", scripts[0].ID, scripts[1].ID, scripts[2].ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); err == nil {
		t.Error("expected error after delete")
	}
	if err := m.Delete(saved.ID); err == nil {
		t.Error("second delete succeeded")
	}
}

func TestManagerRejectsBadIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%q) err = %v", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save err = %v", err)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Oscillate When On","description":"swing whenever powered","enabled":true}

fan.on("property_update", "power", function(event)
    if event.new then fan.set_oscillation(true) end
end)
`
	path := filepath.Join(dir, "swing.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "swing" {
		t.Errorf("id = %q, want swing", s.ID)
	}
	if s.Meta.Name != "Oscillate When On" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `fan.on("property_update"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParsePlainLuaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte("fan.log(\"hi\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Meta.Enabled || s.Meta.Name != "plain" {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "fan.log(\"hi\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `fan.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nfan.log(\"hi\")"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Night Mode", "night_mode"},
		{"speed 3!", "speed_3"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
