// Package store defines the document-store collaborator consumed by the
// realtime coordinator. The coordinator never owns channel membership or
// message documents; it reads and writes them through this interface and
// treats membership facts as read-only, revalidated on every use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// Channel is a logical room with an externally-defined membership set.
type Channel struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Type      string    `bson:"type"` // e.g. "group", "direct", "support"
	Members   []string  `bson:"members"`
	CreatedAt time.Time `bson:"created_at"`
}

// IsMember reports whether userID appears in the channel's membership set.
func (c *Channel) IsMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Name string `bson:"name"`
	URL  string `bson:"url"`
	Mime string `bson:"mime,omitempty"`
	Size int64  `bson:"size,omitempty"`
}

// ReadReceipt records that one user has seen a message.
type ReadReceipt struct {
	UserID string    `bson:"user_id"`
	ReadAt time.Time `bson:"read_at"`
}

// Message is a persisted channel message. The ID and Seq are assigned by the
// store on insertion; Seq is monotonic per channel in insertion order. A
// message is immutable after insertion except for appends to ReadBy.
type Message struct {
	ID          string        `bson:"_id"`
	ChannelID   string        `bson:"channel_id"`
	SenderID    string        `bson:"sender_id"`
	SenderName  string        `bson:"sender_name"`
	Content     string        `bson:"content"`
	MsgType     string        `bson:"msg_type"`
	Attachments []Attachment  `bson:"attachments,omitempty"`
	ReadBy      []ReadReceipt `bson:"read_by"`
	Seq         int64         `bson:"seq"`
	CreatedAt   time.Time     `bson:"created_at"`
}

// Store is the document-store contract. Implementations must be safe for
// concurrent use; every method may block on I/O and honors the context.
type Store interface {
	// FindChannel returns the channel document, or ErrNotFound.
	FindChannel(ctx context.Context, channelID string) (*Channel, error)

	// IsMember reports whether the user belongs to the channel. Used for
	// authorization re-checks; results must never be cached by callers.
	IsMember(ctx context.Context, channelID, userID string) (bool, error)

	// InsertMessage persists a new message, assigning its ID, Seq, and
	// CreatedAt. The returned message is the fully-formed document.
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)

	// MarkMessagesRead appends {userID, readAt} to the read-by set of each
	// listed message in the channel that the user has not already read.
	// Returns the number of messages newly marked. Safe to call redundantly.
	MarkMessagesRead(ctx context.Context, channelID string, messageIDs []string, userID string, readAt time.Time) (int64, error)

	// RecentMessages returns up to limit of the channel's most recent
	// messages in chronological order, plus whether older messages exist.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, bool, error)

	// SetUserOnline records the user's coarse online flag for the benefit of
	// the CRUD surfaces outside this process.
	SetUserOnline(ctx context.Context, userID string, online bool) error
}
