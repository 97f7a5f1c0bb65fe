// Package channel authorizes entry into logical rooms and maintains their
// broadcast groups: the sets of connections currently joined to each channel.
// Membership facts are owned by the storage collaborator; the gate re-checks
// them on every join and never caches a positive result across requests.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookline/realtime/internal/store"
)

// ErrAccessDenied is returned when the user is not a member of the channel
// (or the channel does not exist — indistinguishable to the caller on
// purpose).
var ErrAccessDenied = errors.New("channel: access denied")

// Gate authorizes join attempts against the storage collaborator.
type Gate struct {
	store store.Store
}

// NewGate creates a Gate backed by the given store.
func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

// AuthorizeJoin fetches the channel document and verifies the user's
// membership. It queries storage synchronously on every call: membership can
// change between connections, so a stale positive must never be reused.
// Returns the channel on success and ErrAccessDenied for a missing channel
// or a non-member. Leaving a channel needs no authorization and goes
// straight to the broadcast group.
func (g *Gate) AuthorizeJoin(ctx context.Context, userID, channelID string) (*store.Channel, error) {
	ch, err := g.store.FindChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("channel: authorize join %s: %w", channelID, err)
	}
	if !ch.IsMember(userID) {
		return nil, ErrAccessDenied
	}
	return ch, nil
}
