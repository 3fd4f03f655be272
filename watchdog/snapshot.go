package watchdog

import (
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a lightweight CPU/status view of one supervised child, as
// returned by ProcessInfoFor. The dashboard status stream does not include it.
type ProcessInfo struct {
	PID        int32
	CPUPercent float64
	Status     string
}

// statusLetters mirrors /proc's single-letter process states.
var statusLetters = map[string]string{
	"R": "running",
	"S": "sleeping",
	"D": "disk-sleep",
	"T": "stopped",
	"Z": "zombie",
	"I": "idle",
}

// ProcessInfoFor returns CPU and status introspection for name's currently
// running child, if any.
func (w *Watchdog) ProcessInfoFor(name string) (*ProcessInfo, bool) {
	w.mu.Lock()
	st, ok := w.states[name]
	if !ok || st.cmd == nil || st.cmd.Process == nil {
		w.mu.Unlock()
		return nil, false
	}
	pid := int32(st.cmd.Process.Pid)
	w.mu.Unlock()

	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, false
	}
	cpuPct, _ := proc.CPUPercent()
	statuses, _ := proc.Status()

	status := "unknown"
	if len(statuses) > 0 {
		if readable, ok := statusLetters[statuses[0]]; ok {
			status = readable
		} else {
			status = statuses[0]
		}
	}

	return &ProcessInfo{PID: pid, CPUPercent: cpuPct, Status: status}, true
}
