package channel

import (
	"sync"

	"github.com/bookline/realtime/internal/ws"
)

// Groups tracks which connections are joined to which channels. It is the
// fan-out target for message, typing, and read-receipt broadcasts. All
// methods are safe for concurrent use.
type Groups struct {
	mu        sync.RWMutex
	byChannel map[string]map[string]*ws.Connection // channelID -> connID -> conn
	byConn    map[string]map[string]bool           // connID -> set of channelIDs
}

// NewGroups creates an empty Groups.
func NewGroups() *Groups {
	return &Groups{
		byChannel: make(map[string]map[string]*ws.Connection),
		byConn:    make(map[string]map[string]bool),
	}
}

// Join adds the connection to the channel's broadcast group.
func (g *Groups) Join(channelID string, conn *ws.Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conns, ok := g.byChannel[channelID]
	if !ok {
		conns = make(map[string]*ws.Connection)
		g.byChannel[channelID] = conns
	}
	conns[conn.ID] = conn

	chans, ok := g.byConn[conn.ID]
	if !ok {
		chans = make(map[string]bool)
		g.byConn[conn.ID] = chans
	}
	chans[channelID] = true
}

// Leave removes the connection from the channel's broadcast group. Leaving a
// channel the connection never joined is a no-op.
func (g *Groups) Leave(channelID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conns, ok := g.byChannel[channelID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(g.byChannel, channelID)
		}
	}
	if chans, ok := g.byConn[connID]; ok {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(g.byConn, connID)
		}
	}
}

// LeaveAll removes the connection from every broadcast group it had joined
// and returns the channel IDs it was removed from. Called on disconnect.
func (g *Groups) LeaveAll(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	chans := g.byConn[connID]
	delete(g.byConn, connID)

	removed := make([]string, 0, len(chans))
	for channelID := range chans {
		if conns, ok := g.byChannel[channelID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(g.byChannel, channelID)
			}
		}
		removed = append(removed, channelID)
	}
	return removed
}

// Connections returns a snapshot of the channel's joined connections, safe
// to iterate without the lock.
func (g *Groups) Connections(channelID string) []*ws.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conns := make([]*ws.Connection, 0, len(g.byChannel[channelID]))
	for _, conn := range g.byChannel[channelID] {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast writes data to every connection joined to the channel except the
// one identified by excludeConnID (pass "" to exclude nobody). Write errors
// on individual connections are ignored; the event loop cleans up failed
// connections when their next read errors.
func (g *Groups) Broadcast(channelID string, data []byte, excludeConnID string) {
	for _, conn := range g.Connections(channelID) {
		if conn.ID == excludeConnID {
			continue
		}
		_ = conn.WriteMessage(data)
	}
}

// IsUserJoined reports whether any of the user's connections is currently
// joined to the channel. Used by the delivery pipeline to decide between a
// full message and a notification increment.
func (g *Groups) IsUserJoined(channelID, userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, conn := range g.byChannel[channelID] {
		if id, ok := conn.Identity(); ok && id.UserID == userID {
			return true
		}
	}
	return false
}

// IsJoined reports whether the specific connection is joined to the channel.
func (g *Groups) IsJoined(channelID, connID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byChannel[channelID][connID]
	return ok
}
