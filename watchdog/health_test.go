package watchdog

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeHealthyRequiresSubstring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	}))
	defer srv.Close()

	if !probeHealthy(srv.URL, "Ollama is running") {
		t.Error("expected healthy")
	}
	if probeHealthy(srv.URL, "something else") {
		t.Error("expected unhealthy: substring absent")
	}
}

func TestProbeHealthyEmptySubstringAcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if !probeHealthy(srv.URL, "") {
		t.Error("expected healthy for empty substring + 2xx")
	}
}

func TestProbeHealthyUnreachableIsUnhealthy(t *testing.T) {
	if probeHealthy("http://127.0.0.1:1", "") {
		t.Error("expected unreachable host to be unhealthy")
	}
}
