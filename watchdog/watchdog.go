// Package watchdog brings up, restarts, and health-checks the relay's local
// backend service processes, falling back to a pre-existing system instance
// for the one service that supports it.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/syncutil"
)

const (
	restartBackoffFloor = time.Second
	restartBackoffCap   = 60 * time.Second
	maxConsecutiveFails = 2
	shutdownGrace       = 15 * time.Second
)

// Definition describes one supervised backend service.
type Definition struct {
	Name             string
	Repo             string
	Script           string
	Ports            []int
	HealthURL        string
	HealthSubstring  string
	FallbackEligible bool
}

// DefaultDefinitions returns the three well-known backend services this
// relay supervises out of the box.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:            "piper_tts",
			Repo:            "https://github.com/rhasspy/piper",
			Script:          "run_server.py",
			Ports:           []int{8123},
			HealthURL:       "http://127.0.0.1:8123/",
			HealthSubstring: "",
		},
		{
			Name:            "whisper_asr",
			Repo:            "https://github.com/ahmetoner/whisper-asr-webservice",
			Script:          "run_server.py",
			Ports:           []int{8126},
			HealthURL:       "http://127.0.0.1:8126/",
			HealthSubstring: "",
		},
		{
			Name:             "ollama_farm",
			Repo:             "",
			Script:           "",
			Ports:            []int{11434},
			HealthURL:        "http://127.0.0.1:11434/",
			HealthSubstring:  "Ollama is running",
			FallbackEligible: true,
		},
	}
}

// ExitRecord captures one child-process exit.
type ExitRecord struct {
	Code int
	At   time.Time
}

// State is the watchdog's per-service bookkeeping, snapshotted for the
// dashboard under the watchdog's lock.
type State struct {
	Definition      Definition
	WorkDir         string
	ScriptPath      string
	LogPath         string
	RestartAttempts int
	LastExit        *ExitRecord
	FallbackMode    bool
	LastError       error
	Stopped         bool

	cmd     *exec.Cmd
	logFile *os.File
}

// Watchdog supervises every configured Definition.
type Watchdog struct {
	baseDir     string
	definitions []Definition
	log         *logger.Logger

	mu     sync.Mutex
	states map[string]*State

	restartLock *syncutil.KeyedLock
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a Watchdog rooted at baseDir (each service gets a
// baseDir/<name> working directory).
func New(baseDir string, definitions []Definition, log *logger.Logger) *Watchdog {
	states := make(map[string]*State, len(definitions))
	for _, d := range definitions {
		states[d.Name] = &State{
			Definition: d,
			WorkDir:    filepath.Join(baseDir, d.Name),
			LogPath:    filepath.Join(baseDir, d.Name+".log"),
		}
	}
	return &Watchdog{
		baseDir:     baseDir,
		definitions: definitions,
		log:         log,
		states:      states,
		restartLock: syncutil.NewKeyedLock(),
		stopCh:      make(chan struct{}),
	}
}

// Start launches one supervisor goroutine per definition.
func (w *Watchdog) Start() {
	for _, d := range w.definitions {
		w.wg.Add(1)
		def := d
		go func() {
			defer w.wg.Done()
			if err := w.ensureSource(def); err != nil {
				w.setLastError(def.Name, errors.Wrapf(err, "acquire source for %s", def.Name))
				return
			}
			if def.FallbackEligible {
				w.runOllamaLoop(def)
			} else {
				w.runStandardLoop(def)
			}
		}()
	}
}

// Cycle re-arms a parked service's restart counter and triggers an
// immediate restart attempt. This is the manual override an operator reaches
// for after a service has been parked by repeated startup failures.
func (w *Watchdog) Cycle(name string) error {
	w.mu.Lock()
	st, ok := w.states[name]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("watchdog: unknown service %q", name)
	}
	wasStopped := st.Stopped
	st.Stopped = false
	st.RestartAttempts = 0
	st.LastError = nil
	def := st.Definition
	w.mu.Unlock()

	if !wasStopped {
		return nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if def.FallbackEligible {
			w.runOllamaLoop(def)
		} else {
			w.runStandardLoop(def)
		}
	}()
	return nil
}

// Snapshot returns a defensive copy of every service's current state.
func (w *Watchdog) Snapshot() map[string]State {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]State, len(w.states))
	for name, st := range w.states {
		out[name] = *st
	}
	return out
}

func (w *Watchdog) setLastError(name string, err error) {
	w.mu.Lock()
	if st, ok := w.states[name]; ok {
		st.LastError = err
	}
	w.mu.Unlock()
}

// Shutdown signals every service to stop, escalating SIGTERM to SIGKILL
// after shutdownGrace, then waits for supervisor goroutines to exit.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	close(w.stopCh)

	w.mu.Lock()
	var cmds []*exec.Cmd
	for _, st := range w.states {
		if st.cmd != nil && st.cmd.Process != nil {
			cmds = append(cmds, st.cmd)
		}
	}
	w.mu.Unlock()

	for _, cmd := range cmds {
		terminateWithGrace(cmd, shutdownGrace)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watchdog: shutdown: %w", ctx.Err())
	}
}

func (w *Watchdog) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// writeSourceMetadata persists a {name, repo, script, status, ts} marker
// recording how a service's source directory was acquired.
func writeSourceMetadata(path string, def Definition, status string) error {
	rec := struct {
		Name   string `json:"name"`
		Repo   string `json:"repo"`
		Script string `json:"script"`
		Status string `json:"status"`
		Ts     int64  `json:"ts"`
	}{Name: def.Name, Repo: def.Repo, Script: def.Script, Status: status, Ts: time.Now().UnixMilli()}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
