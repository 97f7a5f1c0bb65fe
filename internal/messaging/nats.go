// Package messaging provides a NATS relay for running several coordinator
// instances against the same channel population. Each instance publishes the
// frames it broadcasts locally; sibling instances deliver them to their own
// connections. Frames carry an origin instance id so an instance never
// re-delivers its own traffic. The relay is optional: a single-process
// deployment runs without it.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used between coordinator instances.
const (
	SubjectChannelPrefix = "rt.channel." // + <channel_id>
	SubjectPresence      = "rt.presence"
	SubjectNotifyPrefix  = "rt.notify." // + <user_id>
)

// Frame is the relay envelope: the origin instance id plus the already
// encoded wire frame to deliver verbatim.
type Frame struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Relay wraps the NATS connection with publish/subscribe helpers for the
// coordinator's fan-out subjects.
type Relay struct {
	conn   *nats.Conn
	origin string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewRelay connects to NATS and returns a ready relay. origin identifies this
// coordinator instance in published frames.
func NewRelay(config NATSConfig, origin string) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s (origin=%s)", nc.ConnectedUrl(), origin)

	return &Relay{
		conn:   nc,
		origin: origin,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// publish wraps data in a Frame and publishes it to the subject.
func (r *Relay) publish(subject string, data []byte) error {
	payload, err := json.Marshal(Frame{Origin: r.origin, Data: data})
	if err != nil {
		return fmt.Errorf("nats marshal frame: %w", err)
	}
	return r.conn.Publish(subject, payload)
}

// PublishChannel publishes a channel-scoped wire frame for sibling instances.
func (r *Relay) PublishChannel(channelID string, data []byte) error {
	return r.publish(SubjectChannelPrefix+channelID, data)
}

// PublishPresence publishes a presence wire frame for sibling instances.
func (r *Relay) PublishPresence(data []byte) error {
	return r.publish(SubjectPresence, data)
}

// PublishNotify publishes a per-user notification frame for whichever
// instance holds the user's registered connection.
func (r *Relay) PublishNotify(userID string, data []byte) error {
	return r.publish(SubjectNotifyPrefix+userID, data)
}

// SubscribeChannel delivers sibling instances' frames for the channel to the
// handler. Subscribing twice for the same channel is a no-op. Self-originated
// frames are dropped.
func (r *Relay) SubscribeChannel(channelID string, handler func(data []byte)) error {
	return r.subscribe(SubjectChannelPrefix+channelID, func(msg *nats.Msg) {
		if data, ok := r.unwrap(msg.Data); ok {
			handler(data)
		}
	})
}

// UnsubscribeChannel drops the channel subscription if present.
func (r *Relay) UnsubscribeChannel(channelID string) error {
	return r.unsubscribe(SubjectChannelPrefix + channelID)
}

// SubscribePresence delivers sibling instances' presence frames to the handler.
func (r *Relay) SubscribePresence(handler func(data []byte)) error {
	return r.subscribe(SubjectPresence, func(msg *nats.Msg) {
		if data, ok := r.unwrap(msg.Data); ok {
			handler(data)
		}
	})
}

// SubscribeNotify delivers per-user notification frames to the handler along
// with the target user id parsed from the subject.
func (r *Relay) SubscribeNotify(handler func(userID string, data []byte)) error {
	return r.subscribe(SubjectNotifyPrefix+">", func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, SubjectNotifyPrefix)
		if data, ok := r.unwrap(msg.Data); ok {
			handler(userID, data)
		}
	})
}

// unwrap decodes a Frame and filters out self-originated traffic.
func (r *Relay) unwrap(payload []byte) ([]byte, bool) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		log.Printf("[nats] bad frame: %v", err)
		return nil, false
	}
	if f.Origin == r.origin {
		return nil, false
	}
	return f.Data, true
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. The existence check and the
// subscribe happen under one lock so that concurrent calls for the same
// subject cannot double-subscribe; an existing subscription wins.
func (r *Relay) subscribe(subject string, handler func(msg *nats.Msg)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[subject]; ok {
		return nil
	}
	sub, err := r.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	r.subs[subject] = sub
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (r *Relay) unsubscribe(subject string) error {
	r.mu.Lock()
	sub, ok := r.subs[subject]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(r.subs, subject)
	r.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)

	if err := r.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] relay closed")
}
