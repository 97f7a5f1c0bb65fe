package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collChannels = "channels"
	collMessages = "messages"
	collCounters = "counters"
	collUsers    = "users"
)

// MongoStore is the MongoDB-backed Store implementation.
type MongoStore struct {
	db *mongo.Database
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// DefaultMongoConfig returns sensible defaults for local development.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:         "mongodb://localhost:27017",
		Database:    "bookline",
		MaxPoolSize: 20,
	}
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	return &MongoStore{db: client.Database(config.Database)}, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// FindChannel returns the channel document, or ErrNotFound.
func (s *MongoStore) FindChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	err := s.db.Collection(collChannels).FindOne(ctx, bson.M{"_id": channelID}).Decode(&ch)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find channel %s: %w", channelID, err)
	}
	return &ch, nil
}

// IsMember reports whether the user belongs to the channel without fetching
// the full document.
func (s *MongoStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := s.db.Collection(collChannels).CountDocuments(ctx, bson.M{
		"_id":     channelID,
		"members": userID,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("store: is member %s/%s: %w", channelID, userID, err)
	}
	return n > 0, nil
}

// nextSeq atomically increments and returns the per-channel message sequence
// using a counters document. Upsert creates the counter on first use.
func (s *MongoStore) nextSeq(ctx context.Context, channelID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": "msgseq:" + channelID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("store: next seq %s: %w", channelID, err)
	}
	return doc.Seq, nil
}

// InsertMessage persists a message with a server-assigned ID, per-channel
// monotonic sequence, and creation timestamp.
func (s *MongoStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	seq, err := s.nextSeq(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}

	out := *msg
	out.ID = primitive.NewObjectID().Hex()
	out.Seq = seq
	out.CreatedAt = time.Now().UTC()
	if out.ReadBy == nil {
		out.ReadBy = []ReadReceipt{}
	}

	if _, err := s.db.Collection(collMessages).InsertOne(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return &out, nil
}

// MarkMessagesRead appends a read receipt to each listed message the user has
// not already read. The read_by.user_id filter makes the update idempotent:
// re-marking an already-read message matches nothing and modifies nothing.
func (s *MongoStore) MarkMessagesRead(ctx context.Context, channelID string, messageIDs []string, userID string, readAt time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	res, err := s.db.Collection(collMessages).UpdateMany(ctx,
		bson.M{
			"_id":             bson.M{"$in": messageIDs},
			"channel_id":      channelID,
			"read_by.user_id": bson.M{"$ne": userID},
		},
		bson.M{"$push": bson.M{"read_by": ReadReceipt{UserID: userID, ReadAt: readAt}}},
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark read %s: %w", channelID, err)
	}
	return res.ModifiedCount, nil
}

// RecentMessages fetches the channel's newest messages (newest-first by seq)
// and reverses them into chronological order. It fetches limit+1 to learn
// whether older messages exist beyond the snapshot.
func (s *MongoStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, bool, error) {
	cur, err := s.db.Collection(collMessages).Find(ctx,
		bson.M{"channel_id": channelID},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: -1}}).
			SetLimit(int64(limit+1)),
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: recent messages %s: %w", channelID, err)
	}
	defer cur.Close(ctx)

	var newestFirst []Message
	if err := cur.All(ctx, &newestFirst); err != nil {
		return nil, false, fmt.Errorf("store: decode messages %s: %w", channelID, err)
	}

	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}

	// Reverse into chronological order for display.
	msgs := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		msgs[len(newestFirst)-1-i] = m
	}
	return msgs, hasMore, nil
}

// SetUserOnline records the user's coarse online flag on their user document.
func (s *MongoStore) SetUserOnline(ctx context.Context, userID string, online bool) error {
	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"online": online, "last_seen": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("store: set user online %s: %w", userID, err)
	}
	return nil
}
