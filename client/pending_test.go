package client

import (
	"testing"
	"time"
)

func TestPending_ReconcileMatchesByChannelAndContent(t *testing.T) {
	p := NewPendingStore(10 * time.Second)

	tempID := p.Add("ch-1", "hello")
	p.Add("ch-2", "hello") // same content, different channel

	got, ok := p.Reconcile("ch-1", "hello", time.Now())
	if !ok {
		t.Fatal("expected a reconciliation match")
	}
	if got != tempID {
		t.Errorf("expected temp id %s, got %s", tempID, got)
	}
	if p.Count() != 1 {
		t.Errorf("expected the other channel's entry to remain, got %d", p.Count())
	}
}

func TestPending_ReconcileOldestFirst(t *testing.T) {
	p := NewPendingStore(10 * time.Second)

	first := p.Add("ch-1", "same text")
	time.Sleep(5 * time.Millisecond)
	second := p.Add("ch-1", "same text")

	got1, ok := p.Reconcile("ch-1", "same text", time.Now())
	if !ok || got1 != first {
		t.Fatalf("expected oldest entry %s first, got %s (ok=%v)", first, got1, ok)
	}
	got2, ok := p.Reconcile("ch-1", "same text", time.Now())
	if !ok || got2 != second {
		t.Fatalf("expected %s second, got %s (ok=%v)", second, got2, ok)
	}
}

func TestPending_ReconcileNoMatch(t *testing.T) {
	p := NewPendingStore(10 * time.Second)
	p.Add("ch-1", "hello")

	if _, ok := p.Reconcile("ch-1", "different", time.Now()); ok {
		t.Error("expected no match for different content")
	}
	if _, ok := p.Reconcile("ch-9", "hello", time.Now()); ok {
		t.Error("expected no match for different channel")
	}
	if p.Count() != 1 {
		t.Errorf("expected entry to survive failed reconciliations, got %d", p.Count())
	}
}

func TestPending_ReconcileOutsideWindow(t *testing.T) {
	p := NewPendingStore(50 * time.Millisecond)
	p.Add("ch-1", "hello")

	// A server message far in the future must not claim a stale entry.
	if _, ok := p.Reconcile("ch-1", "hello", time.Now().Add(time.Minute)); ok {
		t.Error("expected no match outside the confirmation window")
	}
}

func TestPending_ExpireBefore(t *testing.T) {
	p := NewPendingStore(10 * time.Second)

	p.Add("ch-1", "old")
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	p.Add("ch-1", "new")

	expired := p.ExpireBefore(cutoff)
	if len(expired) != 1 || expired[0].Content != "old" {
		t.Fatalf("expected only the old entry to expire, got %+v", expired)
	}
	if p.Count() != 1 {
		t.Errorf("expected the new entry to remain, got %d", p.Count())
	}

	// Expired entries are gone for good.
	if again := p.ExpireBefore(cutoff); len(again) != 0 {
		t.Errorf("expected second expiry pass to be empty, got %+v", again)
	}
}
