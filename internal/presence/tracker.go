// Package presence tracks per-user online/offline state with a debounced
// offline transition. Network blips and page reloads cause rapid
// disconnect/reconnect pairs; the grace window absorbs them so other clients
// never observe spurious presence flapping.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/bookline/realtime/internal/metrics"
)

// State is a user's presence state.
type State int

const (
	// Offline means the user has no connection and any grace window has
	// elapsed. Users start here and return here; entries are never deleted
	// so last-seen remains queryable.
	Offline State = iota

	// Online means the user has at least one registered connection.
	Online

	// PendingOffline means the user disconnected and the grace timer is
	// running. A re-registration cancels the timer with no event emitted.
	PendingOffline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case PendingOffline:
		return "pending_offline"
	default:
		return "offline"
	}
}

// DefaultGrace is the default disconnect debounce window.
const DefaultGrace = 5 * time.Second

// userState holds one user's presence record. gen invalidates a pending
// timer that races with a cancellation: the timer callback compares its
// captured generation against the current one and gives up on mismatch, so a
// stale firing can never emit a late offline event.
type userState struct {
	state    State
	lastSeen time.Time
	timer    *time.Timer
	gen      uint64
}

// Tracker is the presence state machine for all users known to this process.
// It owns the presence map exclusively; all mutations go through its mutex.
// The offline callback is invoked without the lock held.
type Tracker struct {
	mu        sync.Mutex
	grace     time.Duration
	users     map[string]*userState
	onOffline func(userID string, lastSeen time.Time)
}

// NewTracker creates a Tracker with the given grace window (DefaultGrace if
// zero). The onOffline callback fires when a grace timer elapses with the
// user still disconnected; it runs on the timer goroutine.
func NewTracker(grace time.Duration, onOffline func(userID string, lastSeen time.Time)) *Tracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Tracker{
		grace:     grace,
		users:     make(map[string]*userState),
		onOffline: onOffline,
	}
}

// MarkOnline transitions the user to Online. It returns true if the user was
// genuinely offline before (the caller should broadcast an online event) and
// false for a reconnect inside the grace window, which only cancels the
// pending timer — no event, per the anti-flapping contract.
func (t *Tracker) MarkOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		u = &userState{state: Offline}
		t.users[userID] = u
	}

	u.gen++
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}

	wasOffline := u.state == Offline
	cameBack := u.state == PendingOffline
	u.state = Online
	u.lastSeen = time.Now()

	if wasOffline {
		metrics.OnlineUsers.Inc()
		log.Printf("presence: user=%s offline -> online", userID)
	}
	if cameBack {
		log.Printf("presence: user=%s reconnected within grace, offline suppressed", userID)
	}
	return wasOffline
}

// MarkDisconnected transitions an Online user to PendingOffline and starts
// the grace timer. If the timer fires while the user is still in
// PendingOffline, the user becomes Offline and the offline callback runs
// with the last-seen timestamp. Calling this for a user who is not Online is
// a no-op (e.g., the disconnect of a superseded connection).
func (t *Tracker) MarkDisconnected(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok || u.state != Online {
		return
	}

	u.state = PendingOffline
	u.lastSeen = time.Now()
	u.gen++
	gen := u.gen

	u.timer = time.AfterFunc(t.grace, func() {
		t.expire(userID, gen)
	})
	log.Printf("presence: user=%s online -> pending_offline (grace=%s)", userID, t.grace)
}

// expire completes a PendingOffline -> Offline transition if the captured
// generation is still current, then fires the offline callback outside the
// lock.
func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	u, ok := t.users[userID]
	if !ok || u.gen != gen || u.state != PendingOffline {
		t.mu.Unlock()
		return
	}
	u.state = Offline
	u.timer = nil
	lastSeen := u.lastSeen
	t.mu.Unlock()

	metrics.OnlineUsers.Dec()
	log.Printf("presence: user=%s pending_offline -> offline last_seen=%s",
		userID, lastSeen.Format(time.RFC3339))

	if t.onOffline != nil {
		t.onOffline(userID, lastSeen)
	}
}

// StateOf returns the user's current presence state. Unknown users are
// Offline.
func (t *Tracker) StateOf(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[userID]; ok {
		return u.state
	}
	return Offline
}

// LastSeen returns the user's last-seen timestamp, or the zero time for a
// user never seen.
func (t *Tracker) LastSeen(userID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[userID]; ok {
		return u.lastSeen
	}
	return time.Time{}
}
