package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/bookline/realtime/internal/store"
)

func seededStore() *store.MemoryStore {
	st := store.NewMemoryStore()
	st.AddChannel(&store.Channel{
		ID:      "ch-general",
		Name:    "General",
		Type:    "group",
		Members: []string{"alice", "bob"},
	})
	return st
}

func TestAuthorizeJoin_Member(t *testing.T) {
	g := NewGate(seededStore())

	ch, err := g.AuthorizeJoin(context.Background(), "alice", "ch-general")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ID != "ch-general" {
		t.Errorf("expected ch-general, got %s", ch.ID)
	}
}

func TestAuthorizeJoin_NonMemberDenied(t *testing.T) {
	g := NewGate(seededStore())

	_, err := g.AuthorizeJoin(context.Background(), "mallory", "ch-general")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestAuthorizeJoin_UnknownChannelDenied(t *testing.T) {
	g := NewGate(seededStore())

	// An unknown channel is indistinguishable from a forbidden one.
	_, err := g.AuthorizeJoin(context.Background(), "alice", "ch-nope")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestAuthorizeJoin_ReadsFreshMembership(t *testing.T) {
	st := seededStore()
	g := NewGate(st)

	if _, err := g.AuthorizeJoin(context.Background(), "alice", "ch-general"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Membership is revoked between calls; the next authorization must see it.
	st.AddChannel(&store.Channel{
		ID:      "ch-general",
		Name:    "General",
		Type:    "group",
		Members: []string{"bob"},
	})

	_, err := g.AuthorizeJoin(context.Background(), "alice", "ch-general")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected revoked member to be denied, got %v", err)
	}
}
