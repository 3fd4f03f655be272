package watchdog

import "testing"

func TestParsePIDLines(t *testing.T) {
	got := parsePIDLines([]byte("1234\n5678\n"))
	if len(got) != 2 || got[0] != 1234 || got[1] != 5678 {
		t.Errorf("got %v", got)
	}
}

func TestParsePIDLinesIgnoresGarbage(t *testing.T) {
	got := parsePIDLines([]byte("not-a-pid  42  \n-7\n"))
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("expected only 42, got %v", got)
	}
}

func TestParsePIDLinesEmpty(t *testing.T) {
	got := parsePIDLines([]byte(""))
	if len(got) != 0 {
		t.Errorf("expected no pids, got %v", got)
	}
}
