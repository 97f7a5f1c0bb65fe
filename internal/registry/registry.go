// Package registry maintains the bidirectional mapping between user identity
// and the user's active WebSocket connection. It is the foundation the
// presence tracker, delivery pipeline, and notification signals build on.
//
// The mapping is last-connection-wins: registering a user who already has a
// connection reroutes the user to the new one. The registry never emits
// presence events itself; callers invoke the presence tracker after a
// successful mutation.
package registry

import (
	"sync"

	"github.com/bookline/realtime/internal/ws"
)

// Entry is one row of a registry snapshot.
type Entry struct {
	UserID      string
	DisplayName string
	Email       string
}

// Registry maps user IDs to their single routable connection. All methods are
// safe for concurrent use; no caller can observe a partially-updated mapping.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*ws.Connection // userID -> connection
	byConn map[string]string         // connID -> userID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]*ws.Connection),
		byConn: make(map[string]string),
	}
}

// Register maps the user to the given connection, overwriting any prior
// mapping for the same user (last-connection-wins for routing). The replaced
// connection, if any, is returned so the caller can close or ignore it; it is
// removed from the reverse index so its eventual Unregister is a no-op for
// the user mapping.
func (r *Registry) Register(userID string, conn *ws.Connection) *ws.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byUser[userID]
	if prev != nil && prev.ID != conn.ID {
		delete(r.byConn, prev.ID)
	}
	r.byUser[userID] = conn
	r.byConn[conn.ID] = userID
	return prev
}

// Unregister removes the mapping for the given connection and returns the
// user ID it was routing, or "" if the connection was not registered (or was
// already superseded by a newer connection for the same user). It is
// idempotent: calling it again for the same connection returns "".
func (r *Registry) Unregister(conn *ws.Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn.ID]
	if !ok {
		return ""
	}
	delete(r.byConn, conn.ID)

	// Only drop the user mapping if it still points at this connection; a
	// newer registration for the same user must keep routing.
	if cur := r.byUser[userID]; cur != nil && cur.ID == conn.ID {
		delete(r.byUser, userID)
	}
	return userID
}

// Lookup returns the user's routable connection, or nil if the user has no
// registered connection.
func (r *Registry) Lookup(userID string) *ws.Connection {
	r.mu.RLock()
	conn := r.byUser[userID]
	r.mu.RUnlock()
	return conn
}

// Snapshot returns one entry per registered user with the identity attached
// to their connection. The slice is built under the read lock so it never
// reflects a half-applied mutation.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byUser))
	for userID, conn := range r.byUser {
		id, ok := conn.Identity()
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			UserID:      userID,
			DisplayName: id.DisplayName,
			Email:       id.Email,
		})
	}
	return entries
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
