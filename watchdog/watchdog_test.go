package watchdog

import (
	"testing"
	"time"
)

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cases := map[int]time.Duration{
		1: restartBackoffFloor,
		2: 2 * time.Second,
		3: 4 * time.Second,
	}
	for attempts, want := range cases {
		if got := backoffFor(attempts); got != want {
			t.Errorf("backoffFor(%d) = %v, want %v", attempts, got, want)
		}
	}

	big := backoffFor(20)
	if big != restartBackoffCap {
		t.Errorf("backoffFor(20) = %v, want cap %v", big, restartBackoffCap)
	}
}

func TestCycleUnparksStoppedService(t *testing.T) {
	def := Definition{Name: "piper_tts"}
	w := New(t.TempDir(), []Definition{def}, nil)

	w.mu.Lock()
	w.states["piper_tts"].Stopped = true
	w.states["piper_tts"].RestartAttempts = 3
	w.mu.Unlock()

	// Close stopCh first so the goroutine Cycle spawns exits immediately
	// instead of trying to spawn a real child process.
	close(w.stopCh)

	if err := w.Cycle("piper_tts"); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	w.mu.Lock()
	attempts := w.states["piper_tts"].RestartAttempts
	stopped := w.states["piper_tts"].Stopped
	w.mu.Unlock()

	if attempts != 0 || stopped {
		t.Errorf("expected re-armed state, got attempts=%d stopped=%v", attempts, stopped)
	}
}

func TestCycleUnknownServiceErrors(t *testing.T) {
	w := New(t.TempDir(), DefaultDefinitions(), nil)
	if err := w.Cycle("does_not_exist"); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	w := New(t.TempDir(), DefaultDefinitions(), nil)
	snap := w.Snapshot()
	if len(snap) != len(DefaultDefinitions()) {
		t.Fatalf("expected %d entries, got %d", len(DefaultDefinitions()), len(snap))
	}

	w.mu.Lock()
	w.states["ollama_farm"].RestartAttempts = 5
	w.mu.Unlock()

	if snap["ollama_farm"].RestartAttempts == 5 {
		t.Error("snapshot should not observe later mutations")
	}
}
