package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Bus is an in-process broker for tests and local development. Clients
// attached to the same Bus see each other's publishes; delivery is
// synchronous and in publish order.
type Bus struct {
	mu   sync.Mutex
	subs []busSub
	log  []Message
}

type busSub struct {
	filter string
	h      Handler
	owner  *BusClient
}

// NewBus returns an empty Bus.
func NewBus() *Bus { return &Bus{} }

// Client attaches a new client to the bus.
func (b *Bus) Client() *BusClient { return &BusClient{bus: b} }

// Log returns every message published on the bus so far, in order.
func (b *Bus) Log() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.log...)
}

// Filters returns the topic filters of all live subscriptions.
func (b *Bus) Filters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, s := range b.subs {
		if !s.owner.closed {
			out = append(out, s.filter)
		}
	}
	return out
}

// TopicLog returns the payloads published to one topic, in order.
func (b *Bus) TopicLog(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]byte
	for _, m := range b.log {
		if m.Topic == topic {
			out = append(out, append([]byte(nil), m.Payload...))
		}
	}
	return out
}

func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	b.log = append(b.log, Message{msg.Topic, append([]byte(nil), msg.Payload...)})

	var matched []Handler
	for _, s := range b.subs {
		if s.owner.closed {
			continue
		}
		if MatchFilter(s.filter, msg.Topic) {
			matched = append(matched, s.h)
		}
	}
	b.mu.Unlock()

	// Handlers run outside the lock so they may publish in turn.
	for _, h := range matched {
		h(Message{msg.Topic, append([]byte(nil), msg.Payload...)})
	}
}

// BusClient is one attachment to a Bus.
type BusClient struct {
	bus    *Bus
	closed bool
}

var _ Client = (*BusClient)(nil)

func (c *BusClient) Subscribe(_ context.Context, filter string, h Handler) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.subs = append(c.bus.subs, busSub{filter: filter, h: h, owner: c})
	return nil
}

func (c *BusClient) Publish(_ context.Context, topic string, payload []byte) error {
	c.bus.mu.Lock()
	var closed = c.closed
	c.bus.mu.Unlock()
	if closed {
		return errors.New("transport: client is closed")
	}
	c.bus.publish(Message{Topic: topic, Payload: payload})
	return nil
}

func (c *BusClient) Close(context.Context) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.closed = true
	return nil
}

// MatchFilter reports whether an MQTT topic filter matches a concrete topic.
// `+` matches exactly one level and `#` matches the remainder.
func MatchFilter(filter, topic string) bool {
	var fs = strings.Split(filter, "/")
	var ts = strings.Split(topic, "/")

	for i, f := range fs {
		switch {
		case f == "#":
			return true
		case i >= len(ts):
			return false
		case f == "+":
			// matches ts[i]
		case f != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}
