package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	if len(cfg.Nodes) != 1 {
		t.Fatalf("expected 1 default node, got %d", len(cfg.Nodes))
	}
	if len(cfg.Nodes[0].SeedHex) != 64 {
		t.Fatalf("expected 64-char hex seed, got %d chars", len(cfg.Nodes[0].SeedHex))
	}
	for _, svc := range []string{"piper_tts", "whisper_asr", "ollama_farm"} {
		if _, ok := cfg.Targets[svc]; !ok {
			t.Errorf("missing default target for %q", svc)
		}
	}
	if cfg.HTTP.BatchLines != 24 || cfg.HTTP.HeartbeatS != 10 {
		t.Errorf("unexpected default http tuning: %+v", cfg.HTTP)
	}
}

func TestDefaultConfigFreshSeedsPerCall(t *testing.T) {
	a, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	b, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	if a.Nodes[0].SeedHex == b.Nodes[0].SeedHex {
		t.Errorf("expected distinct seeds across calls")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_config.json")

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.ServiceAssignments["whisper_asr"] = "relay-1"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.ServiceAssignments["whisper_asr"] != "relay-1" {
		t.Errorf("assignment not round-tripped: %+v", loaded.ServiceAssignments)
	}
	if loaded.Nodes[0].SeedHex != cfg.Nodes[0].SeedHex {
		t.Errorf("seed not round-tripped")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")

	raw, _ := json.Marshal(map[string]any{
		"schema":  1,
		"typo_ed": true,
	})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected an error for unknown field, got nil")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
