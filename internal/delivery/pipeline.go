// Package delivery implements the message delivery pipeline: validate,
// persist, fan out to the channel's broadcast group in persistence order,
// and emit notification increments for members who are absent from the
// group. Persistence is at-most-once relative to broadcast: a failed persist
// never partially broadcasts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bookline/realtime/internal/channel"
	"github.com/bookline/realtime/internal/metrics"
	"github.com/bookline/realtime/internal/protocol"
	"github.com/bookline/realtime/internal/registry"
	"github.com/bookline/realtime/internal/store"
	"github.com/bookline/realtime/internal/ws"
)

// Sentinel errors for the pipeline's failure taxonomy. Callers map them onto
// wire error codes.
var (
	ErrValidation  = errors.New("delivery: validation failed")
	ErrPersistence = errors.New("delivery: persistence failed")
)

// Relay is an optional cross-instance fan-out hook. When non-nil, every
// broadcast frame and notification signal is also published for sibling
// coordinator instances.
type Relay interface {
	PublishChannel(channelID string, data []byte) error
	PublishNotify(userID string, data []byte) error
}

// Pipeline coordinates persistence and fan-out for one coordinator process.
type Pipeline struct {
	store  store.Store
	groups *channel.Groups
	reg    *registry.Registry
	relay  Relay // may be nil

	// Per-channel send mutex: held across persist+broadcast so that
	// broadcast order equals persistence order within a channel. This is a
	// dedicated ordering lock, never one of the shared-state locks
	// (registry, presence, typing), so those stay free during storage I/O.
	mu        sync.Mutex
	chanLocks map[string]*sync.Mutex
}

// NewPipeline creates a Pipeline. relay may be nil for single-process
// deployments.
func NewPipeline(st store.Store, groups *channel.Groups, reg *registry.Registry, relay Relay) *Pipeline {
	return &Pipeline{
		store:     st,
		groups:    groups,
		reg:       reg,
		relay:     relay,
		chanLocks: make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) lockFor(channelID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.chanLocks[channelID]
	if !ok {
		l = &sync.Mutex{}
		p.chanLocks[channelID] = l
	}
	return l
}

// Send validates, persists, and fans out a message from the given sender.
// On success the fully-formed persisted message is returned. Failures are
// reported to the caller only; nothing is broadcast for a failed persist,
// and individual recipient write failures after a successful persist are
// best-effort and never roll the message back.
func (p *Pipeline) Send(ctx context.Context, sender ws.Identity, channelID, content, msgType string, attachments []protocol.Attachment) (*store.Message, error) {
	if err := ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if msgType == "" {
		msgType = "text"
	}

	// Membership re-check on every send; a prior join is not trusted.
	// Fetched outside the ordering lock, along with the channel document
	// used for notification targeting.
	member, err := p.store.IsMember(ctx, channelID, sender.UserID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !member {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, channel.ErrAccessDenied
	}

	ch, err := p.store.FindChannel(ctx, channelID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	atts := make([]store.Attachment, len(attachments))
	for i, a := range attachments {
		atts[i] = store.Attachment{Name: a.Name, URL: a.URL, Mime: a.Mime, Size: a.Size}
	}

	doc := &store.Message{
		ChannelID:   channelID,
		SenderID:    sender.UserID,
		SenderName:  sender.DisplayName,
		Content:     content,
		MsgType:     msgType,
		Attachments: atts,
	}

	// Serialize persist+broadcast per channel so receivers observe
	// new_message events in exactly the order messages were persisted.
	l := p.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	msg, err := p.store.InsertMessage(ctx, doc)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: ToWire(msg),
	})
	if err != nil {
		// The message is persisted; an encode failure here only affects this
		// broadcast and is logged like any other delivery failure.
		log.Printf("[delivery] encode new_message channel=%s: %v", channelID, err)
		return msg, nil
	}

	p.groups.Broadcast(channelID, frame, "")
	if p.relay != nil {
		if err := p.relay.PublishChannel(channelID, frame); err != nil {
			log.Printf("[delivery] relay publish channel=%s: %v", channelID, err)
		}
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	p.notifyAbsentMembers(ch, sender.UserID)

	log.Printf("[delivery] message persisted channel=%s seq=%d sender=%s", channelID, msg.Seq, sender.UserID)
	return msg, nil
}

// notifyAbsentMembers emits a notification_increment to every channel member
// who is not currently joined to the channel's broadcast group: connected
// users viewing another channel get it on their registered connection, fully
// offline users get nothing here (their unread state is derived from the
// read-by sets at next load).
func (p *Pipeline) notifyAbsentMembers(ch *store.Channel, senderID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeNotificationIncrement, protocol.NotificationIncrementMsg{
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
		SenderID:    senderID,
	})
	if err != nil {
		log.Printf("[delivery] encode notification_increment channel=%s: %v", ch.ID, err)
		return
	}

	for _, member := range ch.Members {
		if member == senderID {
			continue
		}
		if p.groups.IsUserJoined(ch.ID, member) {
			continue
		}
		if conn := p.reg.Lookup(member); conn != nil {
			if err := conn.WriteMessage(frame); err != nil {
				log.Printf("[delivery] notify user=%s channel=%s: %v", member, ch.ID, err)
				continue
			}
			metrics.NotificationsTotal.Inc()
		} else if p.relay != nil {
			// The member may be registered on a sibling instance.
			if err := p.relay.PublishNotify(member, frame); err != nil {
				log.Printf("[delivery] relay notify user=%s: %v", member, err)
			}
		}
	}
}

// ToWire converts a persisted message document into its wire representation.
func ToWire(m *store.Message) protocol.WireMessage {
	atts := make([]protocol.Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = protocol.Attachment{Name: a.Name, URL: a.URL, Mime: a.Mime, Size: a.Size}
	}
	receipts := make([]protocol.WireReceipt, len(m.ReadBy))
	for i, r := range m.ReadBy {
		receipts[i] = protocol.WireReceipt{UserID: r.UserID, ReadAt: r.ReadAt.UnixMilli()}
	}
	return protocol.WireMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		MsgType:     m.MsgType,
		Attachments: atts,
		ReadBy:      receipts,
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}
