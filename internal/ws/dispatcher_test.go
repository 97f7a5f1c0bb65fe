package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// pipeConn builds a Connection over an in-memory pipe and drains every frame
// written to it into the returned channel.
func pipeConn(t *testing.T, id string) (*Connection, chan []byte) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(remote)
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	return &Connection{ID: id, Conn: local, CreatedAt: time.Now()}, frames
}

func recvFrame(t *testing.T, frames chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case data := <-frames:
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestDispatch_PingAnswersAndFiresKeepalive(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, frames := pipeConn(t, "conn-1")

	touched := make(chan string, 1)
	d.SetOnPing(func(c *Connection) { touched <- c.ID })

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if got := recvFrame(t, frames); got["type"] != "pong" {
		t.Fatalf("expected pong, got %v", got)
	}
	select {
	case id := <-touched:
		if id != "conn-1" {
			t.Errorf("expected keepalive for conn-1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("keepalive hook never fired")
	}
	if conn.LastPing.IsZero() {
		t.Error("expected LastPing to be refreshed")
	}
}

func TestDispatch_PingWithoutKeepaliveHook(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, frames := pipeConn(t, "conn-1")

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if got := recvFrame(t, frames); got["type"] != "pong" {
		t.Fatalf("expected pong, got %v", got)
	}
}
