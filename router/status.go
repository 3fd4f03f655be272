package router

import "time"

// statusLoop samples the assignment table every statusSampleInterval and
// publishes a flattened (service, node, addr) view for the dashboard.
func (r *Router) statusLoop() {
	ticker := time.NewTicker(statusSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sampleStatus()
		}
	}
}

func (r *Router) sampleStatus() {
	all := r.assign.LookupAll()
	snapshot := make(map[string]ServiceStatus, len(all))
	for service, entry := range all {
		snapshot[service] = ServiceStatus{Service: service, Node: entry.Node, Addr: entry.Addr}
	}

	r.statusMu.Lock()
	r.lastStatus = snapshot
	r.statusMu.Unlock()
}

// StatusSnapshot returns the most recently sampled per-service status view.
func (r *Router) StatusSnapshot() map[string]ServiceStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	out := make(map[string]ServiceStatus, len(r.lastStatus))
	for k, v := range r.lastStatus {
		out[k] = v
	}
	return out
}

// WatchdogStatus is the dashboard-facing view of one backend service's
// watchdog state.
type WatchdogStatus struct {
	RestartAttempts int
	FallbackMode    bool
	Stopped         bool
}

// WatchdogSnapshot exposes the watchdog's per-backend-service state for the
// dashboard's status view.
func (r *Router) WatchdogSnapshot() map[string]WatchdogStatus {
	states := r.watchdog.Snapshot()
	out := make(map[string]WatchdogStatus, len(states))
	for name, st := range states {
		out[name] = WatchdogStatus{RestartAttempts: st.RestartAttempts, FallbackMode: st.FallbackMode, Stopped: st.Stopped}
	}
	return out
}
