package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncrementCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementTotal()
	m.IncrementTotal()
	m.IncrementSuccess()
	m.IncrementFailed()

	total, success, failed := m.Snapshot()
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if success != 1 {
		t.Errorf("success = %d, want 1", success)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestObserveServiceLabelsByName(t *testing.T) {
	m := NewMetrics()
	m.ObserveService("whisper_asr", 50*time.Millisecond)
	m.ObserveService("whisper_asr", 25*time.Millisecond)
	m.ObserveService("piper_tts", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.requestsByService.WithLabelValues("whisper_asr")); got != 2 {
		t.Errorf("whisper_asr requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsByService.WithLabelValues("piper_tts")); got != 1 {
		t.Errorf("piper_tts requests = %v, want 1", got)
	}
}

func TestSetQueueDepthPerNode(t *testing.T) {
	m := NewMetrics()
	m.SetQueueDepth("relay-1", 3)
	m.SetQueueDepth("relay-2", 7)

	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("relay-1")); got != 3 {
		t.Errorf("relay-1 depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("relay-2")); got != 7 {
		t.Errorf("relay-2 depth = %v, want 7", got)
	}
}

func TestRequestsPerSecondPositiveAfterRequest(t *testing.T) {
	m := NewMetrics()
	m.IncrementTotal()
	time.Sleep(5 * time.Millisecond)
	if rps := m.RequestsPerSecond(); rps <= 0 {
		t.Errorf("RequestsPerSecond() = %v, want > 0", rps)
	}
}

func TestRegistryCollectsAllMetrics(t *testing.T) {
	m := NewMetrics()
	m.IncrementTotal()
	m.ObserveService("ollama_farm", time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}
