// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the realtime coordinator. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate       = "authenticate"
	TypeJoinChannel        = "join_channel"
	TypeLeaveChannel       = "leave_channel"
	TypeSendMessage        = "send_message"
	TypeTypingStart        = "typing_start"
	TypeTypingStop         = "typing_stop"
	TypeMarkRead           = "mark_read"
	TypeRequestOnlineUsers = "request_online_users"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated         = "authenticated"
	TypeChannelHistory        = "channel_history"
	TypeNewMessage            = "new_message"
	TypeUserTyping            = "user_typing"
	TypeUserPresence          = "user_presence"
	TypeOnlineUsersList       = "online_users_list"
	TypeMessagesRead          = "messages_read"
	TypeNotificationIncrement = "notification_increment"
	TypeNotificationsRead     = "notifications_read"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried by ErrorMsg, matching the coordinator error taxonomy.
const (
	CodeAuthFailed       = "auth_failed"
	CodeAccessDenied     = "access_denied"
	CodePersistenceError = "persistence_error"
	CodeValidationError  = "validation_error"
	CodeRateLimited      = "rate_limited"
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared wire structs
// ---------------------------------------------------------------------------

// Attachment describes a file attached to a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// WireMessage is the fully-formed message as carried by channel_history and
// new_message events.
type WireMessage struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	SenderID    string        `json:"sender_id"`
	SenderName  string        `json:"sender_name"`
	Content     string        `json:"content"`
	MsgType     string        `json:"msg_type"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReadBy      []WireReceipt `json:"read_by,omitempty"`
	CreatedAt   int64         `json:"created_at"` // unix millis
}

// WireReceipt is one read-receipt entry inside a message's read-by set.
type WireReceipt struct {
	UserID string `json:"user_id"`
	ReadAt int64  `json:"read_at"` // unix millis
}

// OnlineUser is one entry in the roster snapshot.
type OnlineUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the identity established by the external identity
// provider. The coordinator trusts these values for the connection lifetime.
type AuthenticateMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// JoinChannelMsg requests membership-gated entry into a channel's broadcast
// group.
type JoinChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// LeaveChannelMsg removes the connection from a channel's broadcast group.
// Leaving requires no authorization.
type LeaveChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// SendMessageMsg submits a message for persistence and fan-out.
type SendMessageMsg struct {
	Type        string       `json:"type"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	MsgType     string       `json:"msg_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TypingStartMsg signals the user began typing in a channel.
type TypingStartMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// TypingStopMsg signals the user stopped typing in a channel.
type TypingStopMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// MarkReadMsg marks a batch of messages in a channel as read by the sender
// of this event.
type MarkReadMsg struct {
	Type       string   `json:"type"`
	ChannelID  string   `json:"channel_id"`
	MessageIDs []string `json:"message_ids"`
}

// RequestOnlineUsersMsg asks for a fresh roster snapshot.
type RequestOnlineUsersMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms a successful handshake.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ChannelHistoryMsg is sent after a successful join: the most recent
// messages in chronological order plus a flag indicating older messages
// exist beyond the snapshot.
type ChannelHistoryMsg struct {
	Type      string        `json:"type"`
	ChannelID string        `json:"channel_id"`
	Messages  []WireMessage `json:"messages"`
	HasMore   bool          `json:"has_more"`
}

// NewMessageMsg carries a freshly persisted message to joined connections.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message WireMessage `json:"message"`
}

// UserTypingMsg relays a typing state change within a channel.
type UserTypingMsg struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// UserPresenceMsg announces a user's presence transition to other clients.
type UserPresenceMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen,omitempty"` // unix millis, offline only
}

// OnlineUsersListMsg is the roster snapshot sent to a newly-connected client
// (and on request). Receivers must merge it additively, never replace.
type OnlineUsersListMsg struct {
	Type  string       `json:"type"`
	Users []OnlineUser `json:"users"`
}

// MessagesReadMsg is the batched read-receipt broadcast for a channel.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	ChannelID  string   `json:"channel_id"`
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids"`
	ReadAt     int64    `json:"read_at"` // unix millis
}

// NotificationIncrementMsg is the low-volume signal sent to a channel member
// who is not currently joined to the channel's broadcast group.
type NotificationIncrementMsg struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
	SenderID    string `json:"sender_id"`
}

// NotificationsReadMsg tells the reading user's own connection to reset its
// unread counter for a channel.
type NotificationsReadMsg struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// offending connection only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChannel:
		var m JoinChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestOnlineUsers:
		var m RequestOnlineUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
