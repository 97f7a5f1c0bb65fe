// Package receipt tracks which users have seen which messages. Marking is
// idempotent and monotonic: a message's read-by set only ever grows, and the
// final set is the union of every user who ever successfully marked it,
// regardless of call order or duplicates.
package receipt

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bookline/realtime/internal/channel"
	"github.com/bookline/realtime/internal/metrics"
	"github.com/bookline/realtime/internal/protocol"
	"github.com/bookline/realtime/internal/registry"
	"github.com/bookline/realtime/internal/store"
)

// Relay optionally republishes the batched read broadcast to sibling
// coordinator instances.
type Relay interface {
	PublishChannel(channelID string, data []byte) error
}

// Aggregator applies read-receipt batches and broadcasts the results.
type Aggregator struct {
	store  store.Store
	groups *channel.Groups
	reg    *registry.Registry
	relay  Relay // may be nil
}

// NewAggregator creates an Aggregator. relay may be nil.
func NewAggregator(st store.Store, groups *channel.Groups, reg *registry.Registry, relay Relay) *Aggregator {
	return &Aggregator{store: st, groups: groups, reg: reg, relay: relay}
}

// MarkRead appends {userID, readAt} to the read-by set of every listed
// message the user has not already read, and returns the newly-marked count.
// If at least one message was newly marked it broadcasts a single batched
// messages_read event to the channel and a notifications_read signal to the
// reading user's own connection. An empty id list, or a batch where nothing
// was newly marked, is a no-op with no broadcast.
func (a *Aggregator) MarkRead(ctx context.Context, channelID, userID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	readAt := time.Now().UTC()
	count, err := a.store.MarkMessagesRead(ctx, channelID, messageIDs, userID, readAt)
	if err != nil {
		return 0, fmt.Errorf("receipt: mark read channel=%s user=%s: %w", channelID, userID, err)
	}
	if count == 0 {
		return 0, nil
	}
	metrics.ReceiptsTotal.Add(float64(count))

	frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		ChannelID:  channelID,
		UserID:     userID,
		MessageIDs: messageIDs,
		ReadAt:     readAt.UnixMilli(),
	})
	if err != nil {
		log.Printf("[receipt] encode messages_read channel=%s: %v", channelID, err)
		return count, nil
	}

	a.groups.Broadcast(channelID, frame, "")
	if a.relay != nil {
		if err := a.relay.PublishChannel(channelID, frame); err != nil {
			log.Printf("[receipt] relay publish channel=%s: %v", channelID, err)
		}
	}

	a.notifyReader(ctx, channelID, userID)

	log.Printf("[receipt] marked %d message(s) read channel=%s user=%s", count, channelID, userID)
	return count, nil
}

// notifyReader sends the notifications_read signal to the reading user's own
// registered connection so it can reset its unread counter, scoped by the
// channel's type.
func (a *Aggregator) notifyReader(ctx context.Context, channelID, userID string) {
	conn := a.reg.Lookup(userID)
	if conn == nil {
		return
	}

	chanType := ""
	if ch, err := a.store.FindChannel(ctx, channelID); err == nil {
		chanType = ch.Type
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNotificationsRead, protocol.NotificationsReadMsg{
		ChannelID:   channelID,
		ChannelType: chanType,
	})
	if err != nil {
		log.Printf("[receipt] encode notifications_read channel=%s: %v", channelID, err)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("[receipt] notifications_read user=%s: %v", userID, err)
	}
}
