// Package coordinator binds the realtime components — connection registry,
// presence tracker, membership gate, typing store, delivery pipeline, and
// read-receipt aggregator — to the WebSocket dispatcher. It owns the control
// flow: handshake, registry mutation, presence transitions, channel joins,
// fan-out, and the disconnect debounce.
package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bookline/realtime/internal/channel"
	"github.com/bookline/realtime/internal/delivery"
	"github.com/bookline/realtime/internal/messaging"
	"github.com/bookline/realtime/internal/presence"
	"github.com/bookline/realtime/internal/protocol"
	"github.com/bookline/realtime/internal/ratelimit"
	"github.com/bookline/realtime/internal/receipt"
	"github.com/bookline/realtime/internal/registry"
	"github.com/bookline/realtime/internal/session"
	"github.com/bookline/realtime/internal/store"
	"github.com/bookline/realtime/internal/typing"
	"github.com/bookline/realtime/internal/ws"
)

// storeTimeout bounds every storage call made from a handler.
const storeTimeout = 5 * time.Second

// Config holds coordinator tuning parameters.
type Config struct {
	PresenceGrace time.Duration // disconnect debounce window
	TypingCeiling time.Duration // typing entry inactivity ceiling
	HistoryLimit  int           // messages per channel_history snapshot
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PresenceGrace: presence.DefaultGrace,
		TypingCeiling: typing.DefaultCeiling,
		HistoryLimit:  50,
	}
}

// Coordinator wires the realtime components together.
type Coordinator struct {
	config   Config
	server   *ws.Server
	reg      *registry.Registry
	presence *presence.Tracker
	typing   *typing.Store
	gate     *channel.Gate
	groups   *channel.Groups
	pipeline *delivery.Pipeline
	receipts *receipt.Aggregator
	store    store.Store
	sessions *session.Store     // may be nil
	limiter  *ratelimit.Limiter // may be nil
	relay    *messaging.Relay   // may be nil
}

// New creates a fully wired Coordinator. sessions, limiter, and relay may be
// nil; the coordinator runs without them.
func New(config Config, st store.Store, sessions *session.Store, limiter *ratelimit.Limiter, relay *messaging.Relay) *Coordinator {
	c := &Coordinator{
		config:   config,
		reg:      registry.New(),
		groups:   channel.NewGroups(),
		gate:     channel.NewGate(st),
		store:    st,
		sessions: sessions,
		limiter:  limiter,
		relay:    relay,
	}

	c.presence = presence.NewTracker(config.PresenceGrace, c.onUserOffline)
	c.typing = typing.NewStore(config.TypingCeiling, c.onTypingExpired)

	var pipelineRelay delivery.Relay
	var receiptRelay receipt.Relay
	if relay != nil {
		pipelineRelay = relay
		receiptRelay = relay
	}
	c.pipeline = delivery.NewPipeline(st, c.groups, c.reg, pipelineRelay)
	c.receipts = receipt.NewAggregator(st, c.groups, c.reg, receiptRelay)

	return c
}

// SetServer attaches the WebSocket server and hooks the disconnect path.
func (c *Coordinator) SetServer(server *ws.Server) {
	c.server = server
	server.SetOnDisconnect(c.handleDisconnect)
}

// Registry exposes the connection registry (for tests and tooling).
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Presence exposes the presence tracker (for tests and tooling).
func (c *Coordinator) Presence() *presence.Tracker { return c.presence }

// Start launches the background loops: the typing sweeper and, when a relay
// is configured, the cross-instance subscriptions.
func (c *Coordinator) Start(ctx context.Context) {
	c.typing.StartSweeper(ctx)

	if c.relay != nil {
		// Presence and notification frames from sibling instances are
		// delivered to this instance's connections verbatim.
		if err := c.relay.SubscribePresence(func(data []byte) {
			c.broadcastToAll(data, "")
		}); err != nil {
			log.Printf("coordinator: relay presence subscribe: %v", err)
		}
		if err := c.relay.SubscribeNotify(func(userID string, data []byte) {
			if conn := c.reg.Lookup(userID); conn != nil {
				_ = conn.WriteMessage(data)
			}
		}); err != nil {
			log.Printf("coordinator: relay notify subscribe: %v", err)
		}
	}
}

// RegisterHandlers binds all client message types to their handlers.
func (c *Coordinator) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeAuthenticate, c.handleAuthenticate)
	d.Register(protocol.TypeJoinChannel, c.handleJoinChannel)
	d.Register(protocol.TypeLeaveChannel, c.handleLeaveChannel)
	d.Register(protocol.TypeSendMessage, c.handleSendMessage)
	d.Register(protocol.TypeTypingStart, c.handleTypingStart)
	d.Register(protocol.TypeTypingStop, c.handleTypingStop)
	d.Register(protocol.TypeMarkRead, c.handleMarkRead)
	d.Register(protocol.TypeRequestOnlineUsers, c.handleRequestOnlineUsers)
	d.SetOnPing(c.handleKeepalive)
}

// ---------------------------------------------------------------------------
// Handshake and presence
// ---------------------------------------------------------------------------

// handleAuthenticate completes the handshake: attach the identity, register
// the connection for routing, record the session, run the presence
// transition, and send the confirmation plus a roster snapshot to the new
// client only.
func (c *Coordinator) handleAuthenticate(conn *ws.Connection, msg interface{}) {
	authMsg, ok := msg.(protocol.AuthenticateMsg)
	if !ok {
		return
	}

	if authMsg.UserID == "" || authMsg.DisplayName == "" {
		c.sendError(conn, protocol.CodeAuthFailed, "missing identity")
		return
	}

	identity := ws.Identity{
		UserID:          authMsg.UserID,
		DisplayName:     authMsg.DisplayName,
		Email:           authMsg.Email,
		Role:            authMsg.Role,
		AuthenticatedAt: time.Now(),
	}
	conn.SetIdentity(identity)

	// Last-connection-wins: a superseded connection stays open but loses
	// routing; its eventual disconnect will not touch this user's state.
	if prev := c.reg.Register(identity.UserID, conn); prev != nil && prev.ID != conn.ID {
		log.Printf("coordinator: user=%s rerouted %s -> %s", identity.UserID, prev.ID, conn.ID)
	}

	if c.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.sessions.Create(ctx, conn.ID, identity.UserID, identity.DisplayName); err != nil {
			log.Printf("coordinator: session create conn=%s: %v", conn.ID, err)
		}
		cancel()
	}

	// The registry mutation and the presence transition are deliberately
	// separate steps; registration itself emits nothing.
	if becameOnline := c.presence.MarkOnline(identity.UserID); becameOnline {
		c.broadcastPresence(identity.UserID, identity.DisplayName, true, time.Time{}, conn.ID)

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.store.SetUserOnline(ctx, identity.UserID, true); err != nil {
			log.Printf("coordinator: set user online user=%s: %v", identity.UserID, err)
		}
		cancel()
	}

	c.send(conn, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{UserID: identity.UserID})
	c.sendRoster(conn)

	log.Printf("coordinator: authenticated conn=%s user=%s role=%s", conn.ID, identity.UserID, identity.Role)
}

// handleKeepalive runs on every client ping and refreshes the session's
// last-active timestamp and TTL off the dispatch goroutine.
func (c *Coordinator) handleKeepalive(conn *ws.Connection) {
	if c.sessions == nil || !conn.Authenticated() {
		return
	}
	connID := conn.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.sessions.Touch(ctx, connID); err != nil {
			log.Printf("coordinator: session touch conn=%s: %v", connID, err)
		}
	}()
}

// handleDisconnect runs when the transport drops a connection: the registry
// mapping is removed immediately, broadcast groups are left, and the
// presence tracker starts its debounced offline transition. If the
// connection was already superseded by a newer one for the same user,
// nothing presence-related happens.
func (c *Coordinator) handleDisconnect(conn *ws.Connection) {
	for _, channelID := range c.groups.LeaveAll(conn.ID) {
		c.maybeDropRelay(channelID)
	}

	if c.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.sessions.Delete(ctx, conn.ID); err != nil {
			log.Printf("coordinator: session delete conn=%s: %v", conn.ID, err)
		}
		cancel()
	}

	userID := c.reg.Unregister(conn)
	if userID == "" {
		return
	}
	c.presence.MarkDisconnected(userID)
}

// onUserOffline fires when a presence grace timer elapses with the user
// still disconnected. Exactly one offline broadcast goes out, carrying the
// last-seen timestamp.
func (c *Coordinator) onUserOffline(userID string, lastSeen time.Time) {
	c.broadcastPresence(userID, "", false, lastSeen, "")

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.SetUserOnline(ctx, userID, false); err != nil {
		log.Printf("coordinator: set user offline user=%s: %v", userID, err)
	}
}

// broadcastPresence sends a user_presence event to every authenticated
// connection except excludeConnID, and relays it to sibling instances.
func (c *Coordinator) broadcastPresence(userID, displayName string, online bool, lastSeen time.Time, excludeConnID string) {
	payload := protocol.UserPresenceMsg{
		UserID:      userID,
		DisplayName: displayName,
		Online:      online,
	}
	if !online {
		payload.LastSeen = lastSeen.UnixMilli()
	}

	frame, err := protocol.NewServerMessage(protocol.TypeUserPresence, payload)
	if err != nil {
		log.Printf("coordinator: encode user_presence user=%s: %v", userID, err)
		return
	}

	c.broadcastToAll(frame, excludeConnID)
	if c.relay != nil {
		if err := c.relay.PublishPresence(frame); err != nil {
			log.Printf("coordinator: relay presence user=%s: %v", userID, err)
		}
	}
}

// broadcastToAll writes a frame to every authenticated connection except
// excludeConnID.
func (c *Coordinator) broadcastToAll(frame []byte, excludeConnID string) {
	if c.server == nil {
		return
	}
	for _, conn := range c.server.Connections().All() {
		if conn.ID == excludeConnID || !conn.Authenticated() {
			continue
		}
		_ = conn.WriteMessage(frame)
	}
}

// sendRoster sends the current online-users snapshot to one connection. The
// receiving client merges it additively with individual presence events; a
// slightly stale snapshot must never retract a peer that just came online.
func (c *Coordinator) sendRoster(conn *ws.Connection) {
	entries := c.reg.Snapshot()
	users := make([]protocol.OnlineUser, len(entries))
	for i, e := range entries {
		users[i] = protocol.OnlineUser{UserID: e.UserID, DisplayName: e.DisplayName, Email: e.Email}
	}
	c.send(conn, protocol.TypeOnlineUsersList, protocol.OnlineUsersListMsg{Users: users})
}

// ---------------------------------------------------------------------------
// Channel membership
// ---------------------------------------------------------------------------

// handleJoinChannel authorizes the join against fresh membership facts, adds
// the connection to the broadcast group, and sends the initial history
// snapshot.
func (c *Coordinator) handleJoinChannel(conn *ws.Connection, msg interface{}) {
	joinMsg, ok := msg.(protocol.JoinChannelMsg)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ch, err := c.gate.AuthorizeJoin(ctx, identity.UserID, joinMsg.ChannelID)
	if errors.Is(err, channel.ErrAccessDenied) {
		c.sendError(conn, protocol.CodeAccessDenied, "not a member of this channel")
		return
	}
	if err != nil {
		log.Printf("coordinator: join channel=%s user=%s: %v", joinMsg.ChannelID, identity.UserID, err)
		c.sendError(conn, protocol.CodePersistenceError, "channel lookup failed")
		return
	}

	c.groups.Join(ch.ID, conn)
	if c.relay != nil {
		if err := c.relay.SubscribeChannel(ch.ID, func(data []byte) {
			c.groups.Broadcast(ch.ID, data, "")
		}); err != nil {
			log.Printf("coordinator: relay subscribe channel=%s: %v", ch.ID, err)
		}
	}

	msgs, hasMore, err := c.store.RecentMessages(ctx, ch.ID, c.config.HistoryLimit)
	if err != nil {
		log.Printf("coordinator: history channel=%s: %v", ch.ID, err)
		c.sendError(conn, protocol.CodePersistenceError, "history fetch failed")
		return
	}

	wire := make([]protocol.WireMessage, len(msgs))
	for i := range msgs {
		wire[i] = delivery.ToWire(&msgs[i])
	}
	c.send(conn, protocol.TypeChannelHistory, protocol.ChannelHistoryMsg{
		ChannelID: ch.ID,
		Messages:  wire,
		HasMore:   hasMore,
	})

	log.Printf("coordinator: joined channel=%s user=%s conn=%s", ch.ID, identity.UserID, conn.ID)
}

// handleLeaveChannel removes the connection from the broadcast group. No
// authorization applies to leaving.
func (c *Coordinator) handleLeaveChannel(conn *ws.Connection, msg interface{}) {
	leaveMsg, ok := msg.(protocol.LeaveChannelMsg)
	if !ok {
		return
	}
	c.groups.Leave(leaveMsg.ChannelID, conn.ID)
	c.maybeDropRelay(leaveMsg.ChannelID)
}

// maybeDropRelay unsubscribes the channel's relay subject once no local
// connection is joined to it.
func (c *Coordinator) maybeDropRelay(channelID string) {
	if c.relay == nil {
		return
	}
	if len(c.groups.Connections(channelID)) == 0 {
		_ = c.relay.UnsubscribeChannel(channelID)
	}
}

// ---------------------------------------------------------------------------
// Messages, typing, receipts
// ---------------------------------------------------------------------------

func (c *Coordinator) handleSendMessage(conn *ws.Connection, msg interface{}) {
	sendMsg, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !c.allow(ctx, identity.UserID, ratelimit.RuleMessage) {
		c.sendError(conn, protocol.CodeRateLimited, "too many messages")
		return
	}

	_, err := c.pipeline.Send(ctx, identity, sendMsg.ChannelID, sendMsg.Content, sendMsg.MsgType, sendMsg.Attachments)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrValidation):
		c.sendError(conn, protocol.CodeValidationError, err.Error())
	case errors.Is(err, channel.ErrAccessDenied):
		c.sendError(conn, protocol.CodeAccessDenied, "not a member of this channel")
	default:
		log.Printf("coordinator: send channel=%s user=%s: %v", sendMsg.ChannelID, identity.UserID, err)
		c.sendError(conn, protocol.CodePersistenceError, "message could not be saved")
	}
}

func (c *Coordinator) handleTypingStart(conn *ws.Connection, msg interface{}) {
	startMsg, ok := msg.(protocol.TypingStartMsg)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	// Typing events only flow within channels the connection has joined.
	if !c.groups.IsJoined(startMsg.ChannelID, conn.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	allowed := c.allow(ctx, identity.UserID, ratelimit.RuleTyping)
	cancel()
	if !allowed {
		return
	}

	if c.typing.Start(startMsg.ChannelID, identity.UserID, identity.DisplayName) {
		c.broadcastTyping(startMsg.ChannelID, identity.UserID, identity.DisplayName, true, conn.ID)
	}
}

func (c *Coordinator) handleTypingStop(conn *ws.Connection, msg interface{}) {
	stopMsg, ok := msg.(protocol.TypingStopMsg)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	if c.typing.Stop(stopMsg.ChannelID, identity.UserID) {
		c.broadcastTyping(stopMsg.ChannelID, identity.UserID, identity.DisplayName, false, conn.ID)
	}
}

// onTypingExpired fires from the sweeper for entries whose client never sent
// a stop (usually a disconnect mid-typing).
func (c *Coordinator) onTypingExpired(channelID, userID, displayName string) {
	excludeConnID := ""
	if conn := c.reg.Lookup(userID); conn != nil {
		excludeConnID = conn.ID
	}
	c.broadcastTyping(channelID, userID, displayName, false, excludeConnID)
}

// broadcastTyping sends a user_typing event to the channel, excluding the
// originating connection.
func (c *Coordinator) broadcastTyping(channelID, userID, displayName string, isTyping bool, excludeConnID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChannelID:   channelID,
		UserID:      userID,
		DisplayName: displayName,
		IsTyping:    isTyping,
	})
	if err != nil {
		log.Printf("coordinator: encode user_typing channel=%s: %v", channelID, err)
		return
	}
	c.groups.Broadcast(channelID, frame, excludeConnID)
	if c.relay != nil {
		if err := c.relay.PublishChannel(channelID, frame); err != nil {
			log.Printf("coordinator: relay typing channel=%s: %v", channelID, err)
		}
	}
}

func (c *Coordinator) handleMarkRead(conn *ws.Connection, msg interface{}) {
	readMsg, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	identity, _ := conn.Identity()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := c.receipts.MarkRead(ctx, readMsg.ChannelID, identity.UserID, readMsg.MessageIDs); err != nil {
		log.Printf("coordinator: mark read channel=%s user=%s: %v", readMsg.ChannelID, identity.UserID, err)
		c.sendError(conn, protocol.CodePersistenceError, "read receipts could not be saved")
	}
}

func (c *Coordinator) handleRequestOnlineUsers(conn *ws.Connection, msg interface{}) {
	c.sendRoster(conn)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// allow consults the rate limiter; without one configured everything passes.
func (c *Coordinator) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if c.limiter == nil {
		return true
	}
	allowed, _ := c.limiter.Allow(ctx, userID, rule)
	return allowed
}

func (c *Coordinator) send(conn *ws.Connection, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("coordinator: encode %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("coordinator: send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

func (c *Coordinator) sendError(conn *ws.Connection, code, message string) {
	c.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
