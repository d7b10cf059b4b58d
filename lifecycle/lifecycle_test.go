package lifecycle

import (
	"testing"
	"time"
)

func TestStartStopAgainstCat(t *testing.T) {
	// /bin/cat reads stdin and never exits on its own: good enough to
	// exercise socketpair handover and reap-on-Stop without needing a
	// real mpworker binary.
	w, err := Start("/bin/cat")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if w.PID <= 0 {
		t.Fatalf("got pid %d, want positive", w.PID)
	}

	if w.Channel.Fd() < 0 {
		t.Fatalf("got invalid channel fd")
	}

	done := make(chan error, 1)
	go func() { done <- w.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return within 5s")
	}
}

func TestStartNonexistentCommandFails(t *testing.T) {
	_, err := Start("/nonexistent/mpworker-stand-in")
	if err == nil {
		t.Fatal("expected a fork/exec failure")
	}
}
