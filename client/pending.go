package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingMessage is an optimistically displayed message awaiting server
// confirmation. The TempID exists only on this client; the server never
// sees it.
type PendingMessage struct {
	TempID    string
	ChannelID string
	Content   string
	CreatedAt time.Time
}

// PendingStore tracks optimistic messages between send and server echo.
// A message is reconciled when the server's broadcast for it arrives, and
// reported as failed when it out-lives the TTL unconfirmed.
type PendingStore struct {
	mu   sync.Mutex
	byID map[string]PendingMessage
	ttl  time.Duration
}

// NewPendingStore creates a PendingStore with the given confirmation TTL.
func NewPendingStore(ttl time.Duration) *PendingStore {
	return &PendingStore{
		byID: make(map[string]PendingMessage),
		ttl:  ttl,
	}
}

// Add records an optimistic message and returns its temporary ID.
func (p *PendingStore) Add(channelID, content string) string {
	tempID := uuid.New().String()
	p.mu.Lock()
	p.byID[tempID] = PendingMessage{
		TempID:    tempID,
		ChannelID: channelID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	p.mu.Unlock()
	return tempID
}

// Reconcile matches a server-confirmed message against the pending set by
// channel and content, constrained to entries created within the TTL window.
// The oldest match wins so that two identical sends in a row confirm in
// order. It returns the temp ID of the replaced entry, or false when the
// message was not one of ours.
func (p *PendingStore) Reconcile(channelID, content string, serverCreatedAt time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		bestID string
		bestAt time.Time
		found  bool
	)
	for id, pm := range p.byID {
		if pm.ChannelID != channelID || pm.Content != content {
			continue
		}
		if serverCreatedAt.Sub(pm.CreatedAt) > p.ttl || serverCreatedAt.Before(pm.CreatedAt.Add(-p.ttl)) {
			continue
		}
		if !found || pm.CreatedAt.Before(bestAt) {
			bestID = id
			bestAt = pm.CreatedAt
			found = true
		}
	}
	if !found {
		return "", false
	}
	delete(p.byID, bestID)
	return bestID, true
}

// Remove drops an entry whose send never reached the wire, so it is not
// re-reported as a failure later.
func (p *PendingStore) Remove(tempID string) {
	p.mu.Lock()
	delete(p.byID, tempID)
	p.mu.Unlock()
}

// ExpireBefore removes and returns every pending message created before the
// cutoff. The caller surfaces these as send failures.
func (p *PendingStore) ExpireBefore(cutoff time.Time) []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []PendingMessage
	for id, pm := range p.byID {
		if pm.CreatedAt.Before(cutoff) {
			expired = append(expired, pm)
			delete(p.byID, id)
		}
	}
	return expired
}

// Count returns the number of unconfirmed messages.
func (p *PendingStore) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
