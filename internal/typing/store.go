// Package typing maintains ephemeral per-(channel,user) typing indicator
// entries. Entries are refreshed on repeated starts, removed on explicit
// stops, and swept by a background loop once they exceed the inactivity
// ceiling — covering clients that disconnect without ever sending a stop.
// Nothing is persisted; a restart clears all entries with no recovery needed.
package typing

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bookline/realtime/internal/metrics"
)

const (
	// DefaultCeiling is how long an entry may go without activity before the
	// sweeper removes it. Cooperating clients send an explicit stop after
	// ~3s of inactivity; the ceiling is the backstop for the rest.
	DefaultCeiling = 10 * time.Second

	// sweepInterval is how often the background sweep runs.
	sweepInterval = 1 * time.Second
)

type key struct {
	channelID string
	userID    string
}

type entry struct {
	displayName  string
	lastActivity time.Time
}

// Store holds the live typing entries. All methods are safe for concurrent
// use. The onExpire callback fires (outside the lock) when the sweeper
// removes an entry, so the coordinator can broadcast the synthetic stop.
type Store struct {
	mu       sync.Mutex
	entries  map[key]*entry
	ceiling  time.Duration
	onExpire func(channelID, userID, displayName string)
}

// NewStore creates a Store with the given inactivity ceiling (DefaultCeiling
// if zero).
func NewStore(ceiling time.Duration, onExpire func(channelID, userID, displayName string)) *Store {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Store{
		entries:  make(map[key]*entry),
		ceiling:  ceiling,
		onExpire: onExpire,
	}
}

// Start records or refreshes a typing entry. It returns true when the entry
// is new (the caller should broadcast a typing event); repeats only refresh
// the activity timestamp.
func (s *Store) Start(channelID, userID, displayName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{channelID, userID}
	e, ok := s.entries[k]
	if ok {
		e.lastActivity = time.Now()
		return false
	}

	s.entries[k] = &entry{displayName: displayName, lastActivity: time.Now()}
	metrics.TypingEntries.Set(float64(len(s.entries)))
	return true
}

// Stop removes a typing entry. It returns true if the entry existed (the
// caller should broadcast the stop) and false for a redundant stop.
func (s *Store) Stop(channelID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{channelID, userID}
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	metrics.TypingEntries.Set(float64(len(s.entries)))
	return true
}

// ActiveTypers returns the display names of users currently typing in the
// channel, sorted for stable output.
func (s *Store) ActiveTypers(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for k, e := range s.entries {
		if k.channelID == channelID {
			names = append(names, e.displayName)
		}
	}
	sort.Strings(names)
	return names
}

// StartSweeper runs the background expiry loop until the context is
// cancelled. Entries older than the ceiling are removed and reported through
// the onExpire callback.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("typing: sweeper stopped")
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// expired is one removed entry, carried out of the critical section so the
// callback runs without the lock held.
type expired struct {
	channelID   string
	userID      string
	displayName string
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.ceiling)

	s.mu.Lock()
	var removed []expired
	for k, e := range s.entries {
		if e.lastActivity.Before(cutoff) {
			removed = append(removed, expired{k.channelID, k.userID, e.displayName})
			delete(s.entries, k)
		}
	}
	if len(removed) > 0 {
		metrics.TypingEntries.Set(float64(len(s.entries)))
	}
	s.mu.Unlock()

	for _, r := range removed {
		log.Printf("typing: swept stale entry channel=%s user=%s", r.channelID, r.userID)
		if s.onExpire != nil {
			s.onExpire(r.channelID, r.userID, r.displayName)
		}
	}
}

// Count returns the number of live entries across all channels.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
