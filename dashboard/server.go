// Package dashboard provides a real-time HTTP dashboard server for the relay.
//
// It exposes:
//   - GET  /api/status/stream   – SSE stream of per-service assignment + watchdog status
//   - GET  /api/logs/stream     – SSE stream of log entries
//   - GET  /api/config          – current relay configuration (JSON subset)
//   - POST /api/config          – update selected config fields in memory (JSON body);
//     targets apply to the next request, worker/body-size/TLS/retry
//     settings are not applied to the running worker pools
//   - POST /api/service/cycle   – rotate a service's assignment or restart a parked backend
//   - GET  /metrics             – Prometheus exposition
//
// All SSE endpoints set appropriate headers so browsers can use EventSource
// without any additional libraries. CORS is wide-open so a separate frontend
// dev server can reach the Go backend.
package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaymesh/relay/config"
	"github.com/overlaymesh/relay/metrics"
	"github.com/overlaymesh/relay/router"
)

// StatusEntry is one service's combined assignment + backend-process view.
type StatusEntry struct {
	Service         string `json:"service"`
	Node            string `json:"node"`
	Addr            string `json:"addr,omitempty"`
	RestartAttempts int    `json:"restart_attempts,omitempty"`
	FallbackMode    bool   `json:"fallback_mode,omitempty"`
	Stopped         bool   `json:"stopped,omitempty"`
}

// LogEntry is a structured log line streamed to the dashboard.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ConfigPayload is the subset of Config fields read and updated through
// /api/config. Only Targets takes effect on running identities; the other
// fields are stored in the in-memory Config, and the worker pools keep the
// values they were built with.
type ConfigPayload struct {
	Targets       map[string]string `json:"targets"`
	Workers       int               `json:"workers"`
	MaxBodyB      int               `json:"max_body_b"`
	VerifyDefault bool              `json:"verify_default"`
	Retries       int               `json:"retries"`
}

// CycleRequest is the POST /api/service/cycle body: exactly one of Service
// (rotate ownership to the next identity) or RestartBackend (re-arm and
// restart a parked local backend process) should be set.
type CycleRequest struct {
	Service        string `json:"service,omitempty"`
	RestartBackend string `json:"restart_backend,omitempty"`
}

// Server provides HTTP endpoints consumed by the operator frontend.
type Server struct {
	metrics *metrics.Metrics
	router  *router.Router
	cfg     *config.Config
	cfgMu   sync.RWMutex

	logMu    sync.Mutex
	logs     []LogEntry
	logSubs  map[chan LogEntry]struct{}
	logSubMu sync.Mutex

	statusSubs  map[chan []StatusEntry]struct{}
	statusSubMu sync.Mutex

	mux *http.ServeMux
}

const maxLogs = 10_000

// New creates a dashboard Server backed by the given metrics, router, and
// config. Call ListenAndServe to start accepting connections.
func New(m *metrics.Metrics, r *router.Router, cfg *config.Config) *Server {
	s := &Server{
		metrics:    m,
		router:     r,
		cfg:        cfg,
		logs:       make([]LogEntry, 0, 512),
		logSubs:    make(map[chan LogEntry]struct{}),
		statusSubs: make(map[chan []StatusEntry]struct{}),
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// AddLog appends a structured log entry to the ring buffer and fans it out
// to every active SSE /api/logs/stream subscriber.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   message,
	}

	s.logMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	s.logMu.Unlock()

	s.logSubMu.Lock()
	for ch := range s.logSubs {
		select {
		case ch <- entry:
		default:
			// Slow subscriber – drop rather than block.
		}
	}
	s.logSubMu.Unlock()
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks
// until the process exits. It also starts the background goroutine that
// ticks status snapshots to SSE subscribers.
func (s *Server) ListenAndServe(addr string) error {
	go s.statusTicker()
	log.Printf("dashboard: listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled – SSE/log streams are unbounded
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe() // #nosec G114 – replaced with explicit http.Server
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/status/stream", s.withCORS(s.handleStatusStream))
	s.mux.HandleFunc("/api/logs/stream", s.withCORS(s.handleLogsStream))
	s.mux.HandleFunc("/api/config", s.withCORS(s.handleConfig))
	s.mux.HandleFunc("/api/service/cycle", s.withCORS(s.handleCycle))
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
}

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// ─── /api/status/stream ──────────────────────────────────────────────────

func (s *Server) statusTicker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		entries := s.statusSnapshot()
		s.statusSubMu.Lock()
		for ch := range s.statusSubs {
			select {
			case ch <- entries:
			default:
			}
		}
		s.statusSubMu.Unlock()
	}
}

func (s *Server) statusSnapshot() []StatusEntry {
	assigned := s.router.StatusSnapshot()
	backends := s.router.WatchdogSnapshot()

	entries := make([]StatusEntry, 0, len(assigned))
	for service, st := range assigned {
		e := StatusEntry{Service: service, Node: st.Node, Addr: st.Addr}
		if wd, ok := backends[service]; ok {
			e.RestartAttempts = wd.RestartAttempts
			e.FallbackMode = wd.FallbackMode
			e.Stopped = wd.Stopped
		}
		entries = append(entries, e)
	}
	return entries
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := sseWrite(w, s.statusSnapshot()); err == nil {
		flusher.Flush()
	}

	ch := make(chan []StatusEntry, 16)
	s.statusSubMu.Lock()
	s.statusSubs[ch] = struct{}{}
	s.statusSubMu.Unlock()

	defer func() {
		s.statusSubMu.Lock()
		delete(s.statusSubs, ch)
		s.statusSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entries := <-ch:
			if err := sseWrite(w, entries); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ─── /api/logs/stream ────────────────────────────────────────────────────

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logMu.Lock()
	history := make([]LogEntry, len(s.logs))
	copy(history, s.logs)
	s.logMu.Unlock()

	for _, entry := range history {
		if err := sseWrite(w, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	ch := make(chan LogEntry, 256)
	s.logSubMu.Lock()
	s.logSubs[ch] = struct{}{}
	s.logSubMu.Unlock()

	defer func() {
		s.logSubMu.Lock()
		delete(s.logSubs, ch)
		s.logSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := sseWrite(w, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseWrite(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// ─── /api/config ─────────────────────────────────────────────────────────

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.cfgMu.RLock()
		payload := ConfigPayload{
			Targets:       copyStringMap(s.cfg.Targets),
			Workers:       s.cfg.HTTP.Workers,
			MaxBodyB:      s.cfg.HTTP.MaxBodyB,
			VerifyDefault: s.cfg.HTTP.VerifyDefault,
			Retries:       s.cfg.HTTP.Retries,
		}
		s.cfgMu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("dashboard: encode config: %v", err)
		}

	case http.MethodPost:
		var payload ConfigPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		s.cfgMu.Lock()
		for k, v := range payload.Targets {
			s.cfg.Targets[k] = v
		}
		if payload.Workers > 0 {
			s.cfg.HTTP.Workers = payload.Workers
		}
		if payload.MaxBodyB > 0 {
			s.cfg.HTTP.MaxBodyB = payload.MaxBodyB
		}
		if payload.Retries > 0 {
			s.cfg.HTTP.Retries = payload.Retries
		}
		s.cfg.HTTP.VerifyDefault = payload.VerifyDefault
		s.cfgMu.Unlock()

		s.AddLog("INFO", fmt.Sprintf("config updated via dashboard: workers=%d max_body_b=%d retries=%d",
			payload.Workers, payload.MaxBodyB, payload.Retries))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ─── /api/service/cycle ──────────────────────────────────────────────────

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	switch {
	case req.Service != "":
		newNode := s.router.RotateService(req.Service)
		s.AddLog("INFO", fmt.Sprintf("service %q rotated to %q via dashboard", req.Service, newNode))
		fmt.Fprintf(w, `{"ok":true,"service":%q,"node":%q}`, req.Service, newNode)

	case req.RestartBackend != "":
		if err := s.router.RestartService(req.RestartBackend); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.AddLog("INFO", fmt.Sprintf("backend %q restarted via dashboard", req.RestartBackend))
		fmt.Fprintf(w, `{"ok":true,"restarted":%q}`, req.RestartBackend)

	default:
		http.Error(w, "one of service or restart_backend is required", http.StatusBadRequest)
	}
}
