package presence

import (
	"sync"
	"testing"
	"time"
)

// offlineRecorder collects offline callback invocations.
type offlineRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *offlineRecorder) record(userID string, lastSeen time.Time) {
	r.mu.Lock()
	r.events = append(r.events, userID)
	r.mu.Unlock()
}

func (r *offlineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMarkOnline_FirstTimeReturnsTrue(t *testing.T) {
	tr := NewTracker(50*time.Millisecond, nil)

	if !tr.MarkOnline("alice") {
		t.Fatal("expected first MarkOnline to report a genuine transition")
	}
	if tr.MarkOnline("alice") {
		t.Fatal("expected repeated MarkOnline to return false")
	}
	if got := tr.StateOf("alice"); got != Online {
		t.Errorf("expected Online, got %s", got)
	}
}

func TestMarkDisconnected_GraceElapsesOnce(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(50*time.Millisecond, rec.record)

	tr.MarkOnline("alice")
	tr.MarkDisconnected("alice")

	if got := tr.StateOf("alice"); got != PendingOffline {
		t.Fatalf("expected PendingOffline during grace, got %s", got)
	}
	if rec.count() != 0 {
		t.Fatal("offline event fired before grace elapsed")
	}

	time.Sleep(150 * time.Millisecond)

	if got := tr.StateOf("alice"); got != Offline {
		t.Errorf("expected Offline after grace, got %s", got)
	}
	if rec.count() != 1 {
		t.Errorf("expected exactly one offline event, got %d", rec.count())
	}
	if tr.LastSeen("alice").IsZero() {
		t.Error("expected last_seen to be recorded")
	}
}

func TestMarkOnline_WithinGraceSuppressesOffline(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(80*time.Millisecond, rec.record)

	tr.MarkOnline("alice")
	tr.MarkDisconnected("alice")

	time.Sleep(20 * time.Millisecond)
	// Reconnect inside the grace window: no online event, no offline event.
	if tr.MarkOnline("alice") {
		t.Fatal("reconnect within grace must not report a genuine transition")
	}

	time.Sleep(150 * time.Millisecond)

	if got := tr.StateOf("alice"); got != Online {
		t.Errorf("expected Online after reconnect, got %s", got)
	}
	if rec.count() != 0 {
		t.Errorf("expected no offline events after reconnect within grace, got %d", rec.count())
	}
}

func TestMarkDisconnected_NotOnlineIsNoOp(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(30*time.Millisecond, rec.record)

	// Never online.
	tr.MarkDisconnected("ghost")

	// Already pending: a second disconnect (stale connection) must not
	// restart or double the timer.
	tr.MarkOnline("alice")
	tr.MarkDisconnected("alice")
	tr.MarkDisconnected("alice")

	time.Sleep(100 * time.Millisecond)

	if rec.count() != 1 {
		t.Errorf("expected one offline event for alice only, got %d", rec.count())
	}
	if got := tr.StateOf("ghost"); got != Offline {
		t.Errorf("expected ghost to stay Offline, got %s", got)
	}
}

func TestDisconnectReconnectCycles(t *testing.T) {
	rec := &offlineRecorder{}
	tr := NewTracker(40*time.Millisecond, rec.record)

	// Several rapid blips never produce an offline event.
	tr.MarkOnline("alice")
	for i := 0; i < 3; i++ {
		tr.MarkDisconnected("alice")
		time.Sleep(10 * time.Millisecond)
		tr.MarkOnline("alice")
	}

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("expected no offline events across rapid blips, got %d", rec.count())
	}

	// A real disconnect then produces exactly one.
	tr.MarkDisconnected("alice")
	time.Sleep(120 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("expected one offline event after final disconnect, got %d", rec.count())
	}
}
