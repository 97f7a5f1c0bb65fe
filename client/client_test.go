package client

import (
	"net"
	"testing"
	"time"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendMessage_WriteFailureDropsOptimisticEntry(t *testing.T) {
	cfg := DefaultConfig("ws://unused", Identity{UserID: "alice", DisplayName: "Alice"})
	c := newTestController(t, cfg)

	// Dead connection: every write fails.
	local, remote := net.Pipe()
	local.Close()
	remote.Close()

	c.mu.Lock()
	c.state = StateConnected
	c.conn = local
	c.mu.Unlock()

	tempID, err := c.SendMessage("ch-room", "hello")
	if err == nil {
		t.Fatal("expected write error on dead connection")
	}
	if tempID != "" {
		t.Errorf("expected no temp ID for failed send, got %q", tempID)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("expected failed send to leave no pending entries, got %d", got)
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	cfg := DefaultConfig("ws://unused", Identity{UserID: "alice", DisplayName: "Alice"})
	c := newTestController(t, cfg)

	if _, err := c.SendMessage("ch-room", "hello"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("expected no pending entries, got %d", got)
	}
}

func TestReconnectLoop_ExhaustedAttemptsEnterErrorState(t *testing.T) {
	cfg := Config{
		URL:            "ws://127.0.0.1:1", // nothing listens here
		Identity:       Identity{UserID: "alice", DisplayName: "Alice"},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxAttempts:    3,
		PendingTTL:     time.Second,
		HandshakeTTL:   100 * time.Millisecond,
	}
	c := newTestController(t, cfg)

	c.reconnectLoop()

	if got := c.State(); got != StateError {
		t.Fatalf("expected terminal %s after exhausting attempts, got %s", StateError, got)
	}
}
