package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/overlaymesh/relay/config"
	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/metrics"
	"github.com/overlaymesh/relay/router"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	log := logger.New(logger.LevelError)
	r, err := router.New(cfg, filepath.Join(t.TempDir(), "config.json"), t.TempDir(), log, filepath.Join(t.TempDir(), "sentinel.json"))
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	m := metrics.NewMetrics()
	return New(m, r, cfg)
}

func TestHandleConfigGet(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	var payload ConfigPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Workers == 0 {
		t.Errorf("expected non-zero workers, got %+v", payload)
	}
}

func TestHandleConfigPostUpdatesTargets(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(ConfigPayload{Targets: map[string]string{"piper_tts": "http://127.0.0.1:9999"}})
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.cfg.Targets["piper_tts"] != "http://127.0.0.1:9999" {
		t.Errorf("target not updated: %+v", s.cfg.Targets)
	}
}

func TestHandleCycleRequiresOneField(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/service/cycle", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.handleCycle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty cycle request, got %d", rec.Code)
	}
}

func TestHandleCycleRotatesService(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(CycleRequest{Service: "whisper_asr"})
	req := httptest.NewRequest(http.MethodPost, "/api/service/cycle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCycle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCycleRestartUnknownBackendErrors(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(CycleRequest{RestartBackend: "does_not_exist"})
	req := httptest.NewRequest(http.MethodPost, "/api/service/cycle", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCycle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown backend, got %d", rec.Code)
	}
}

func TestStatusSnapshotEmptyBeforeFirstSample(t *testing.T) {
	s := newTestServer(t)
	// The router samples its assignment table every 5 s once started; this
	// router is never started, so there is no sample to merge yet.
	if entries := s.statusSnapshot(); len(entries) != 0 {
		t.Errorf("expected no entries before the first status sample, got %+v", entries)
	}
}
