package assignment

import "testing"

func TestEnsureAssignedPicksDeterministicOwner(t *testing.T) {
	r1 := New([]string{"relay-1", "relay-2", "relay-3"}, nil, nil, nil)
	r2 := New([]string{"relay-1", "relay-2", "relay-3"}, nil, nil, nil)

	a := r1.EnsureAssigned("whisper_asr")
	b := r2.EnsureAssigned("whisper_asr")
	if a != b {
		t.Errorf("expected deterministic owner across instances, got %q and %q", a, b)
	}
}

func TestEnsureAssignedStableUnderReordering(t *testing.T) {
	r1 := New([]string{"relay-1", "relay-2", "relay-3"}, nil, nil, nil)
	r2 := New([]string{"relay-3", "relay-1", "relay-2"}, nil, nil, nil)

	a := r1.EnsureAssigned("ollama_farm")
	b := r2.EnsureAssigned("ollama_farm")
	if a != b {
		t.Errorf("owner should not depend on configured node order: got %q vs %q", a, b)
	}
}

func TestLookupRespectsPersistedAssignment(t *testing.T) {
	r := New([]string{"relay-1", "relay-2"}, map[string]string{"whisper_asr": "relay-2"}, nil, nil)
	node, _ := r.Lookup("whisper_asr")
	if node != "relay-2" {
		t.Errorf("expected persisted assignment to win, got %q", node)
	}
}

func TestRotateCyclesAndPersists(t *testing.T) {
	var persisted map[string]string
	var rotatedTo string
	r := New([]string{"relay-1", "relay-2"}, map[string]string{"whisper_asr": "relay-1"}, func(service, node string) {
		rotatedTo = node
	}, func(snapshot map[string]string) {
		persisted = snapshot
	})

	next := r.Rotate("whisper_asr")
	if next != "relay-2" {
		t.Errorf("expected rotate to relay-2, got %q", next)
	}
	if rotatedTo != "relay-2" {
		t.Errorf("onRotate callback got %q, want relay-2", rotatedTo)
	}
	if persisted["whisper_asr"] != "relay-2" {
		t.Errorf("onPersist snapshot not updated: %+v", persisted)
	}

	// Rotating twice with exactly 2 nodes returns to the original owner.
	back := r.Rotate("whisper_asr")
	if back != "relay-1" {
		t.Errorf("expected rotate back to relay-1 with 2 nodes, got %q", back)
	}
}

func TestSetAddressAndLookup(t *testing.T) {
	r := New([]string{"relay-1"}, map[string]string{"piper_tts": "relay-1"}, nil, nil)
	r.SetAddress("relay-1", "nkn-addr-abc")

	node, addr := r.Lookup("piper_tts")
	if node != "relay-1" || addr != "nkn-addr-abc" {
		t.Errorf("got (%q, %q)", node, addr)
	}

	r.SetAddress("relay-1", "")
	_, addr = r.Lookup("piper_tts")
	if addr != "" {
		t.Errorf("expected address cleared, got %q", addr)
	}
}

func TestLookupAllReturnsEveryAssignment(t *testing.T) {
	r := New([]string{"relay-1", "relay-2"}, map[string]string{"a": "relay-1", "b": "relay-2"}, nil, nil)
	all := r.LookupAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all["a"].Node != "relay-1" || all["b"].Node != "relay-2" {
		t.Errorf("unexpected entries: %+v", all)
	}
}
