package receipt

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/bookline/realtime/internal/channel"
	"github.com/bookline/realtime/internal/protocol"
	"github.com/bookline/realtime/internal/registry"
	"github.com/bookline/realtime/internal/store"
	wsconn "github.com/bookline/realtime/internal/ws"
)

func pipeConn(t *testing.T, id, userID string) (*wsconn.Connection, <-chan []byte) {
	t.Helper()

	server, client := net.Pipe()
	conn := &wsconn.Connection{ID: id, Conn: server, CreatedAt: time.Now()}
	conn.SetIdentity(wsconn.Identity{UserID: userID, DisplayName: "User " + userID})

	frames := make(chan []byte, 32)
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return conn, frames
}

func recvFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before frame arrived")
		}
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func assertNoFrame(t *testing.T, frames <-chan []byte) {
	t.Helper()
	select {
	case data := <-frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// seedMessages inserts n messages from alice and returns their IDs.
func seedMessages(t *testing.T, st *store.MemoryStore, channelID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		msg, err := st.InsertMessage(context.Background(), &store.Message{
			ChannelID: channelID,
			SenderID:  "alice",
			Content:   "msg",
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids[i] = msg.ID
	}
	return ids
}

func newFixture(t *testing.T) (*Aggregator, *store.MemoryStore, *channel.Groups, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	st.AddChannel(&store.Channel{
		ID:      "ch-room",
		Type:    "group",
		Members: []string{"alice", "bob"},
	})
	groups := channel.NewGroups()
	reg := registry.New()
	return NewAggregator(st, groups, reg, nil), st, groups, reg
}

func TestMarkRead_BatchedBroadcastAndReaderSignal(t *testing.T) {
	agg, st, groups, reg := newFixture(t)
	ids := seedMessages(t, st, "ch-room", 3)

	aliceConn, aliceFrames := pipeConn(t, "conn-a", "alice")
	bobConn, bobFrames := pipeConn(t, "conn-b", "bob")
	groups.Join("ch-room", aliceConn)
	groups.Join("ch-room", bobConn)
	reg.Register("bob", bobConn)

	count, err := agg.MarkRead(context.Background(), "ch-room", "bob", ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 newly marked, got %d", count)
	}

	// One batched event per batch, not one per message.
	var read protocol.MessagesReadMsg
	if err := json.Unmarshal(recvFrame(t, aliceFrames), &read); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if read.UserID != "bob" || len(read.MessageIDs) != 3 || read.ReadAt == 0 {
		t.Errorf("unexpected messages_read %+v", read)
	}
	assertNoFrame(t, aliceFrames)

	// The reader gets messages_read (joined) plus a notifications_read reset.
	sawReset := false
	for i := 0; i < 2; i++ {
		var envelope struct {
			Type string `json:"type"`
		}
		frame := recvFrame(t, bobFrames)
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if envelope.Type == protocol.TypeNotificationsRead {
			var reset protocol.NotificationsReadMsg
			if err := json.Unmarshal(frame, &reset); err != nil {
				t.Fatalf("decode reset: %v", err)
			}
			if reset.ChannelID != "ch-room" || reset.ChannelType != "group" {
				t.Errorf("unexpected notifications_read %+v", reset)
			}
			sawReset = true
		}
	}
	if !sawReset {
		t.Error("expected a notifications_read signal for the reader")
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	agg, st, groups, _ := newFixture(t)
	ids := seedMessages(t, st, "ch-room", 2)

	aliceConn, aliceFrames := pipeConn(t, "conn-a", "alice")
	groups.Join("ch-room", aliceConn)

	if _, err := agg.MarkRead(context.Background(), "ch-room", "bob", ids); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	recvFrame(t, aliceFrames)

	// Re-marking the same messages changes nothing and stays silent.
	count, err := agg.MarkRead(context.Background(), "ch-room", "bob", ids)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 newly marked on re-mark, got %d", count)
	}
	assertNoFrame(t, aliceFrames)

	for _, m := range st.Messages("ch-room") {
		if len(m.ReadBy) != 1 {
			t.Errorf("message %s: expected a single receipt, got %d", m.ID, len(m.ReadBy))
		}
	}
}

func TestMarkRead_UnionAcrossReaders(t *testing.T) {
	agg, st, _, _ := newFixture(t)
	ids := seedMessages(t, st, "ch-room", 1)

	if _, err := agg.MarkRead(context.Background(), "ch-room", "bob", ids); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.MarkRead(context.Background(), "ch-room", "carol", ids); err != nil {
		t.Fatal(err)
	}
	// Duplicate from bob interleaved with carol's mark.
	if _, err := agg.MarkRead(context.Background(), "ch-room", "bob", ids); err != nil {
		t.Fatal(err)
	}

	msgs := st.Messages("ch-room")
	if len(msgs[0].ReadBy) != 2 {
		t.Fatalf("expected read-by union of 2 users, got %d", len(msgs[0].ReadBy))
	}
	seen := map[string]bool{}
	for _, r := range msgs[0].ReadBy {
		seen[r.UserID] = true
	}
	if !seen["bob"] || !seen["carol"] {
		t.Errorf("expected bob and carol in read-by set, got %+v", msgs[0].ReadBy)
	}
}

func TestMarkRead_EmptyBatchIsNoOp(t *testing.T) {
	agg, _, groups, _ := newFixture(t)

	aliceConn, aliceFrames := pipeConn(t, "conn-a", "alice")
	groups.Join("ch-room", aliceConn)

	count, err := agg.MarkRead(context.Background(), "ch-room", "bob", nil)
	if err != nil || count != 0 {
		t.Fatalf("expected silent no-op, got count=%d err=%v", count, err)
	}
	assertNoFrame(t, aliceFrames)
}

func TestMarkRead_UnknownIDsIgnored(t *testing.T) {
	agg, st, _, _ := newFixture(t)
	ids := seedMessages(t, st, "ch-room", 1)

	count, err := agg.MarkRead(context.Background(), "ch-room", "bob", append(ids, "m-unknown"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected only the known message to be marked, got %d", count)
	}
}
