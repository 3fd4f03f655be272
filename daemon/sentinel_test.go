package daemon

import (
	"path/filepath"
	"testing"
)

func TestEnableThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	m := New(path)

	if err := m.Enable("/var/relay", "/etc/relay/config.json", "started by test"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	s, ok, err := m.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatal("expected sentinel to exist")
	}
	if !s.Enabled || s.BaseDir != "/var/relay" || s.Config != "/etc/relay/config.json" {
		t.Errorf("unexpected sentinel contents: %+v", s)
	}
}

func TestCheckMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	m := New(path)

	_, ok, err := m.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing sentinel")
	}
}

func TestDisableRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	m := New(path)
	if err := m.Enable("/x", "/y", ""); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := m.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	_, ok, err := m.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("expected sentinel removed")
	}
}

func TestDisableIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	m := New(path)
	if err := m.Disable(); err != nil {
		t.Fatalf("Disable on missing file should not error: %v", err)
	}
}
