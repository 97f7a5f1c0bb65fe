// Package client implements the connection controller used by Bookline
// frontends to talk to the realtime coordinator. It maintains a single
// WebSocket connection with an authenticated handshake, reconnects with
// exponential backoff and resubscribes joined channels, and tracks
// optimistically sent messages until the server's broadcast confirms them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bookline/realtime/internal/protocol"
)

// State is the controller's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	// StateError is terminal: entered on auth rejection or when reconnect
	// attempts are exhausted. Only an explicit Connect leaves it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: controller closed")
	// ErrAuthRejected is returned when the server rejects the handshake.
	ErrAuthRejected = errors.New("client: authentication rejected")
	// ErrNotConnected is returned by operations requiring a live connection.
	ErrNotConnected = errors.New("client: not connected")
)

// Identity is the authentication payload sent during the handshake.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
}

// Config holds controller tuning parameters.
type Config struct {
	URL            string
	Identity       Identity
	InitialBackoff time.Duration // first reconnect delay
	MaxBackoff     time.Duration // backoff ceiling
	MaxAttempts    int           // reconnect attempts before StateError, 0 = unlimited
	PendingTTL     time.Duration // optimistic message confirmation window
	HandshakeTTL   time.Duration // per-attempt dial+auth budget
}

// DefaultConfig returns production defaults for the given server URL and
// identity.
func DefaultConfig(url string, identity Identity) Config {
	return Config{
		URL:            url,
		Identity:       identity,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    10,
		PendingTTL:     10 * time.Second,
		HandshakeTTL:   10 * time.Second,
	}
}

// connectAttempt lets concurrent Connect callers share one in-flight dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Controller manages the single WebSocket connection to the coordinator.
type Controller struct {
	config Config

	mu       sync.Mutex
	state    State
	conn     net.Conn
	gen      uint64 // bumped per established connection; stale read loops ignore themselves
	inflight *connectAttempt
	joined   map[string]bool
	closed   bool

	writeMu sync.Mutex

	handlers      map[string]func(json.RawMessage)
	onStateChange func(State)
	onSendFailure func(PendingMessage)

	pending *PendingStore
	done    chan struct{}
	once    sync.Once
}

// New creates a Controller. It does not connect; call Connect.
func New(config Config) *Controller {
	c := &Controller{
		config:   config,
		joined:   make(map[string]bool),
		handlers: make(map[string]func(json.RawMessage)),
		pending:  NewPendingStore(config.PendingTTL),
		done:     make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// On registers a handler for a server message type, receiving the raw JSON
// frame. Handlers run on the read loop goroutine. One handler per type;
// registering again replaces the previous one.
func (c *Controller) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnStateChange registers a callback invoked on every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// OnSendFailure registers a callback for optimistic messages that were never
// confirmed by the server within the pending TTL.
func (c *Controller) OnSendFailure(fn func(PendingMessage)) {
	c.mu.Lock()
	c.onSendFailure = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the count of unconfirmed optimistic messages.
func (c *Controller) Pending() int { return c.pending.Count() }

// Connect establishes the connection and completes the authentication
// handshake. Concurrent calls share a single in-flight attempt; calling
// while connected is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if att := c.inflight; att != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-att.done:
			return att.err
		}
	}

	att := &connectAttempt{done: make(chan struct{})}
	c.inflight = att
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.dialAndAuth(ctx)

	c.mu.Lock()
	c.inflight = nil
	switch {
	case err == nil:
		c.setStateLocked(StateConnected)
	case errors.Is(err, ErrAuthRejected):
		c.setStateLocked(StateError)
	default:
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	att.err = err
	close(att.done)

	if err == nil {
		c.resubscribe()
	}
	return err
}

// Close shuts the controller down permanently.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.gen++ // orphan the read loop
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// Channel operations
// ---------------------------------------------------------------------------

// JoinChannel joins a channel. The channel is remembered and rejoined
// automatically after a reconnect.
func (c *Controller) JoinChannel(channelID string) error {
	c.mu.Lock()
	c.joined[channelID] = true
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.send(map[string]string{"type": protocol.TypeJoinChannel, "channel_id": channelID})
}

// LeaveChannel leaves a channel and forgets it for resubscription.
func (c *Controller) LeaveChannel(channelID string) error {
	c.mu.Lock()
	delete(c.joined, channelID)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.send(map[string]string{"type": protocol.TypeLeaveChannel, "channel_id": channelID})
}

// SendMessage sends a message optimistically and returns the temporary ID
// the caller can render immediately. The entry is replaced when the server's
// new_message broadcast for it arrives, or surfaced through OnSendFailure if
// it never does. When the write itself fails the entry is dropped and only
// the returned error reports the failure.
func (c *Controller) SendMessage(channelID, content string) (string, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return "", ErrNotConnected
	}

	tempID := c.pending.Add(channelID, content)
	err := c.send(map[string]string{
		"type":       protocol.TypeSendMessage,
		"channel_id": channelID,
		"content":    content,
	})
	if err != nil {
		c.pending.Remove(tempID)
		return "", err
	}
	return tempID, nil
}

// StartTyping signals the start of typing in a channel.
func (c *Controller) StartTyping(channelID string) error {
	return c.send(map[string]string{"type": protocol.TypeTypingStart, "channel_id": channelID})
}

// StopTyping signals the end of typing in a channel.
func (c *Controller) StopTyping(channelID string) error {
	return c.send(map[string]string{"type": protocol.TypeTypingStop, "channel_id": channelID})
}

// MarkRead reports the given messages as read.
func (c *Controller) MarkRead(channelID string, messageIDs []string) error {
	return c.send(map[string]interface{}{
		"type":        protocol.TypeMarkRead,
		"channel_id":  channelID,
		"message_ids": messageIDs,
	})
}

// RequestOnlineUsers asks the server for a fresh roster snapshot.
func (c *Controller) RequestOnlineUsers() error {
	return c.send(map[string]string{"type": protocol.TypeRequestOnlineUsers})
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// dialAndAuth dials the server and completes the authenticate handshake. On
// success the connection is installed and the read loop started.
func (c *Controller) dialAndAuth(ctx context.Context) error {
	dialCtx := ctx
	if c.config.HandshakeTTL > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.HandshakeTTL)
		defer cancel()
	}

	conn, _, _, err := ws.Dial(dialCtx, c.config.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	auth := map[string]string{
		"type":         protocol.TypeAuthenticate,
		"user_id":      c.config.Identity.UserID,
		"display_name": c.config.Identity.DisplayName,
		"email":        c.config.Identity.Email,
		"role":         c.config.Identity.Role,
	}
	data, _ := json.Marshal(auth)
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		conn.Close()
		return fmt.Errorf("handshake write: %w", err)
	}

	// Read until the server confirms or rejects. Server-initiated frames
	// that race the confirmation (presence events, pongs) are skipped.
	if c.config.HandshakeTTL > 0 {
		conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTTL))
	}
	for {
		frame, err := wsutil.ReadServerText(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("handshake read: %w", err)
		}
		var envelope struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(frame, &envelope); err != nil {
			continue
		}
		if envelope.Type == protocol.TypeError && envelope.Code == protocol.CodeAuthFailed {
			conn.Close()
			return ErrAuthRejected
		}
		if envelope.Type == protocol.TypeAuthenticated {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

// resubscribe rejoins every remembered channel after a (re)connect.
func (c *Controller) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.joined))
	for id := range c.joined {
		channels = append(channels, id)
	}
	c.mu.Unlock()

	for _, id := range channels {
		if err := c.send(map[string]string{"type": protocol.TypeJoinChannel, "channel_id": id}); err != nil {
			log.Printf("client: resubscribe channel=%s: %v", id, err)
		}
	}
}

// readLoop reads frames until the connection dies, then hands off to the
// reconnect loop unless the controller was closed or the connection already
// replaced.
func (c *Controller) readLoop(conn net.Conn, gen uint64) {
	for {
		frame, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen || c.closed
			if !stale {
				c.conn = nil
				c.setStateLocked(StateDisconnected)
			}
			c.mu.Unlock()
			if !stale {
				conn.Close()
				go c.reconnectLoop()
			}
			return
		}
		c.dispatch(frame)
	}
}

// reconnectLoop retries with exponential backoff until connected, the
// controller is closed, auth is rejected, or attempts run out.
func (c *Controller) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if c.config.MaxAttempts > 0 && attempt > c.config.MaxAttempts {
			c.mu.Lock()
			c.setStateLocked(StateError)
			c.mu.Unlock()
			log.Printf("client: giving up after %d reconnect attempts", c.config.MaxAttempts)
			return
		}

		delay := Backoff(attempt, c.config.InitialBackoff, c.config.MaxBackoff)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed || c.state == StateConnected {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		err := c.dialAndAuth(context.Background())
		if err == nil {
			c.mu.Lock()
			c.setStateLocked(StateConnected)
			c.mu.Unlock()
			c.resubscribe()
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.mu.Lock()
			c.setStateLocked(StateError)
			c.mu.Unlock()
			return
		}
		log.Printf("client: reconnect attempt %d failed: %v", attempt, err)
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
	}
}

// dispatch routes a server frame: new_message frames first reconcile the
// optimistic store, then every frame goes to its registered handler.
func (c *Controller) dispatch(frame []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return
	}

	if envelope.Type == protocol.TypeNewMessage {
		var msg protocol.NewMessageMsg
		if err := json.Unmarshal(frame, &msg); err == nil && msg.Message.SenderID == c.config.Identity.UserID {
			createdAt := time.UnixMilli(msg.Message.CreatedAt)
			c.pending.Reconcile(msg.Message.ChannelID, msg.Message.Content, createdAt)
		}
	}

	c.mu.Lock()
	handler := c.handlers[envelope.Type]
	c.mu.Unlock()
	if handler != nil {
		handler(json.RawMessage(frame))
	}
}

// expireLoop periodically surfaces optimistic messages the server never
// confirmed.
func (c *Controller) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			expired := c.pending.ExpireBefore(time.Now().Add(-c.config.PendingTTL))
			if len(expired) == 0 {
				continue
			}
			c.mu.Lock()
			fn := c.onSendFailure
			c.mu.Unlock()
			if fn == nil {
				continue
			}
			for _, pm := range expired {
				fn(pm)
			}
		}
	}
}

// send marshals and writes a client frame. Goroutine-safe.
func (c *Controller) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// setStateLocked updates the state and fires the transition callback. The
// caller holds c.mu; the callback runs on its own goroutine to keep handler
// code out of the lock.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onStateChange != nil {
		fn := c.onStateChange
		go fn(s)
	}
}
