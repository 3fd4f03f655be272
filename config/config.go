// Package config provides structured configuration loading and atomic
// persistence for the relay.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// HTTPTuning holds the knobs shared by every identity's HTTPWorkerPool unless
// a node overrides them individually.
type HTTPTuning struct {
	Workers       int     `json:"workers"`
	MaxBodyB      int     `json:"max_body_b"`
	VerifyDefault bool    `json:"verify_default"`
	ChunkRawB     int     `json:"chunk_raw_b"`
	HeartbeatS    float64 `json:"heartbeat_s"`
	BatchLines    int     `json:"batch_lines"`
	BatchLatency  float64 `json:"batch_latency"`
	Retries       int     `json:"retries"`
	RetryBackoff  float64 `json:"retry_backoff"`
	RetryCap      float64 `json:"retry_cap"`
}

// BridgeTuning holds the defaults passed to every sidecar's environment
// unless a node overrides them.
type BridgeTuning struct {
	NumSubclients  int    `json:"num_subclients"`
	SeedWS         string `json:"seed_ws"`
	SelfProbeMS    int    `json:"self_probe_ms"`
	SelfProbeFails int    `json:"self_probe_fails"`
}

// NodeConfig describes one identity.
type NodeConfig struct {
	Name           string            `json:"name"`
	SeedHex        string            `json:"seed_hex"`
	NumSubclients  int               `json:"num_subclients,omitempty"`
	SeedWS         string            `json:"seed_ws,omitempty"`
	SelfProbeMS    int               `json:"self_probe_ms,omitempty"`
	SelfProbeFails int               `json:"self_probe_fails,omitempty"`
	Workers        int               `json:"workers,omitempty"`
	MaxBodyB       int               `json:"max_body_b,omitempty"`
	VerifyDefault  *bool             `json:"verify_default,omitempty"`
	Targets        map[string]string `json:"targets,omitempty"`
}

// Config is the relay's persistent JSON configuration.
type Config struct {
	Schema             int               `json:"schema"`
	Targets            map[string]string `json:"targets"`
	HTTP               HTTPTuning        `json:"http"`
	Bridge             BridgeTuning      `json:"bridge"`
	Nodes              []*NodeConfig     `json:"nodes"`
	ServiceAssignments map[string]string `json:"service_assignments"`
}

const currentSchema = 1

// LoadConfig reads a JSON file at filename and deserialises it into a Config.
// DisallowUnknownFields catches typos in hand-edited config files at startup
// rather than letting them silently vanish.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	if cfg.ServiceAssignments == nil {
		cfg.ServiceAssignments = make(map[string]string)
	}
	if cfg.Targets == nil {
		cfg.Targets = make(map[string]string)
	}
	return &cfg, nil
}

// DefaultConfig returns a *Config pre-filled with one identity (a freshly
// generated 64-hex seed) and the three well-known backend targets this relay
// supervises out of the box.
func DefaultConfig() (*Config, error) {
	seed, err := randomSeedHex()
	if err != nil {
		return nil, fmt.Errorf("config: generate seed: %w", err)
	}
	return &Config{
		Schema: currentSchema,
		Targets: map[string]string{
			"piper_tts":   "http://127.0.0.1:8123",
			"whisper_asr": "http://127.0.0.1:8126",
			"ollama_farm": "http://127.0.0.1:11434",
		},
		HTTP: HTTPTuning{
			Workers:       4,
			MaxBodyB:      2 * 1024 * 1024,
			VerifyDefault: true,
			ChunkRawB:     12 * 1024,
			HeartbeatS:    10,
			BatchLines:    24,
			BatchLatency:  0.08,
			Retries:       4,
			RetryBackoff:  0.5,
			RetryCap:      4.0,
		},
		Bridge: BridgeTuning{
			NumSubclients:  2,
			SelfProbeMS:    12000,
			SelfProbeFails: 3,
		},
		Nodes: []*NodeConfig{
			{Name: "relay-1", SeedHex: seed},
		},
		ServiceAssignments: map[string]string{},
	}, nil
}

// randomSeedHex generates a 64-character hex private seed, mirroring the
// original implementation's secrets.token_hex(32).
func randomSeedHex() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Save atomically rewrites the config file at path: encode to a temp file in
// the same directory, then rename over the destination, so a crash mid-write
// never corrupts the live config.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: encode %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename into place %q: %w", path, err)
	}
	return nil
}
