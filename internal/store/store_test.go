package store

import (
	"context"
	"testing"
	"time"
)

func TestInsertMessage_PerChannelSequences(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.InsertMessage(ctx, &Message{ChannelID: "ch-1", SenderID: "alice", Content: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	other, err := s.InsertMessage(ctx, &Message{ChannelID: "ch-2", SenderID: "alice", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages("ch-1")
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("ch-1 message %d: expected seq %d, got %d", i, i+1, m.Seq)
		}
	}
	// Sequences are per channel, not global.
	if other.Seq != 1 {
		t.Errorf("expected ch-2 to start at seq 1, got %d", other.Seq)
	}
}

func TestRecentMessages_LimitAndHasMore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.InsertMessage(ctx, &Message{ChannelID: "ch-1", SenderID: "alice", Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, hasMore, err := s.RecentMessages(ctx, "ch-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || !hasMore {
		t.Fatalf("expected 3 messages with has_more, got %d (hasMore=%v)", len(msgs), hasMore)
	}
	// Newest messages, chronological order.
	if msgs[0].Seq != 3 || msgs[2].Seq != 5 {
		t.Errorf("expected seqs 3..5 in order, got %d..%d", msgs[0].Seq, msgs[2].Seq)
	}

	all, hasMore, err := s.RecentMessages(ctx, "ch-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || hasMore {
		t.Errorf("expected full history without has_more, got %d (hasMore=%v)", len(all), hasMore)
	}
}

func TestMarkMessagesRead_ReceiptTimestamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg, err := s.InsertMessage(ctx, &Message{ChannelID: "ch-1", SenderID: "alice", Content: "m"})
	if err != nil {
		t.Fatal(err)
	}

	readAt := time.Now().UTC()
	count, err := s.MarkMessagesRead(ctx, "ch-1", []string{msg.ID}, "bob", readAt)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 marked, got %d err=%v", count, err)
	}

	got := s.Messages("ch-1")[0].ReadBy
	if len(got) != 1 || got[0].UserID != "bob" || !got[0].ReadAt.Equal(readAt) {
		t.Errorf("unexpected receipt %+v", got)
	}
}

func TestChannel_IsMember(t *testing.T) {
	ch := &Channel{ID: "ch-1", Members: []string{"alice", "bob"}}
	if !ch.IsMember("alice") {
		t.Error("expected alice to be a member")
	}
	if ch.IsMember("mallory") {
		t.Error("expected mallory to be rejected")
	}
}
