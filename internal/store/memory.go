package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by unit tests in place of the
// external document store. It mirrors the Mongo implementation's semantics:
// per-channel monotonic sequences and idempotent read-receipt appends.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[string]*Channel
	messages map[string][]Message // channelID -> messages in insertion order
	seqs     map[string]int64
	online   map[string]bool
	nextID   int

	// FailInserts makes InsertMessage return an error, for exercising the
	// at-most-once persistence failure path.
	FailInserts bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]*Channel),
		messages: make(map[string][]Message),
		seqs:     make(map[string]int64),
		online:   make(map[string]bool),
	}
}

// AddChannel seeds a channel document.
func (s *MemoryStore) AddChannel(ch *Channel) {
	s.mu.Lock()
	s.channels[ch.ID] = ch
	s.mu.Unlock()
}

// FindChannel returns the channel document, or ErrNotFound.
func (s *MemoryStore) FindChannel(ctx context.Context, channelID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	return &cp, nil
}

// IsMember reports whether the user belongs to the channel.
func (s *MemoryStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return false, nil
	}
	return ch.IsMember(userID), nil
}

// InsertMessage persists a message with an assigned ID and sequence.
func (s *MemoryStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailInserts {
		return nil, fmt.Errorf("store: insert message: collaborator unavailable")
	}

	s.seqs[msg.ChannelID]++
	s.nextID++

	out := *msg
	out.ID = fmt.Sprintf("m%d", s.nextID)
	out.Seq = s.seqs[msg.ChannelID]
	out.CreatedAt = time.Now().UTC()
	if out.ReadBy == nil {
		out.ReadBy = []ReadReceipt{}
	}

	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], out)
	return &out, nil
}

// MarkMessagesRead appends a receipt to each listed message the user has not
// already read and returns the newly-marked count.
func (s *MemoryStore) MarkMessagesRead(ctx context.Context, channelID string, messageIDs []string, userID string, readAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	var marked int64
	msgs := s.messages[channelID]
	for i := range msgs {
		if !wanted[msgs[i].ID] {
			continue
		}
		already := false
		for _, r := range msgs[i].ReadBy {
			if r.UserID == userID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, ReadReceipt{UserID: userID, ReadAt: readAt})
		marked++
	}
	return marked, nil
}

// RecentMessages returns up to limit of the newest messages in chronological
// order plus a has-more flag.
func (s *MemoryStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[channelID]
	hasMore := len(msgs) > limit
	start := 0
	if hasMore {
		start = len(msgs) - limit
	}
	out := make([]Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, hasMore, nil
}

// SetUserOnline records the user's coarse online flag.
func (s *MemoryStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	s.online[userID] = online
	s.mu.Unlock()
	return nil
}

// Online reports the last recorded online flag for a user (test helper).
func (s *MemoryStore) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// Messages returns a copy of the channel's messages in insertion order
// (test helper).
func (s *MemoryStore) Messages(channelID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[channelID]...)
}
