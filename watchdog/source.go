package watchdog

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const cloneTimeout = 5 * time.Minute

// ensureSource clones def's repository into its working directory if it is
// not already present. Services with no Repo configured (ollama_farm, which
// is never cloned) are a no-op.
func (w *Watchdog) ensureSource(def Definition) error {
	if def.Repo == "" {
		return nil
	}

	st := w.stateFor(def.Name)
	markerPath := filepath.Join(st.WorkDir, ".source.json")
	if info, err := os.Stat(st.WorkDir); err == nil && info.IsDir() {
		if _, err := os.Stat(markerPath); err == nil {
			w.mu.Lock()
			st.ScriptPath = filepath.Join(st.WorkDir, def.Script)
			w.mu.Unlock()
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(st.WorkDir), 0o755); err != nil {
		return errors.Wrap(err, "create base directory")
	}
	_ = os.RemoveAll(st.WorkDir)

	ctx, cancel := context.WithTimeout(context.Background(), cloneTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", def.Repo, st.WorkDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "git clone %s: %s", def.Repo, string(out))
	}

	if err := writeSourceMetadata(markerPath, def, "cloned"); err != nil {
		return errors.Wrap(err, "write source metadata")
	}

	w.mu.Lock()
	st.ScriptPath = filepath.Join(st.WorkDir, def.Script)
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) stateFor(name string) *State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[name]
}
