// Package daemon manages the on-disk sentinel file an external supervisor
// watches to decide whether the relay should keep running.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel is the JSON shape persisted at the sentinel path.
type Sentinel struct {
	Enabled bool   `json:"enabled"`
	Ts      int64  `json:"ts"`
	BaseDir string `json:"base_dir"`
	Config  string `json:"config"`
	Path    string `json:"path"`
	Note    string `json:"note,omitempty"`
}

// Manager reads, writes, and removes the sentinel file at a fixed path.
type Manager struct {
	path string
}

// New creates a Manager for the sentinel file at path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// DefaultPath returns "<home>/.overlaymesh-relay.json", the conventional
// location for the sentinel when no override is configured.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("daemon: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".overlaymesh-relay.json"), nil
}

// Check reports whether the sentinel currently exists and, if so, its
// contents.
func (m *Manager) Check() (*Sentinel, bool, error) {
	raw, err := os.ReadFile(m.path) // #nosec G304 -- path is operator configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("daemon: read %q: %w", m.path, err)
	}
	var s Sentinel
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("daemon: decode %q: %w", m.path, err)
	}
	return &s, true, nil
}

// Enable writes the sentinel file, signalling intent to an external
// supervisor that the relay should be kept running.
func (m *Manager) Enable(baseDir, configPath, note string) error {
	s := Sentinel{
		Enabled: true,
		Ts:      time.Now().UnixMilli(),
		BaseDir: baseDir,
		Config:  configPath,
		Path:    m.path,
		Note:    note,
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("daemon: encode sentinel: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o600); err != nil {
		return fmt.Errorf("daemon: write %q: %w", m.path, err)
	}
	return nil
}

// Disable removes the sentinel file, signalling stop. It is not an error if
// the file is already absent.
func (m *Manager) Disable() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove %q: %w", m.path, err)
	}
	return nil
}
