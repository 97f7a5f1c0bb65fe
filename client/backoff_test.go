package client

import (
	"testing"
	"time"
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}
	for i, w := range want {
		if got := Backoff(i+1, initial, max); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestBackoff_AttemptBelowOne(t *testing.T) {
	if got := Backoff(0, time.Second, 30*time.Second); got != time.Second {
		t.Errorf("expected initial delay for attempt 0, got %s", got)
	}
	if got := Backoff(-3, time.Second, 30*time.Second); got != time.Second {
		t.Errorf("expected initial delay for negative attempt, got %s", got)
	}
}

func TestBackoff_InitialAboveMax(t *testing.T) {
	if got := Backoff(1, time.Minute, 30*time.Second); got != 30*time.Second {
		t.Errorf("expected cap to win, got %s", got)
	}
}
