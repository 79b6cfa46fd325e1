// Package transport is the broker surface of the ingester: a small pub/sub
// Client interface, its production MQTT implementation, and an in-process
// loopback Bus used by tests and local development.
package transport

import "context"

// Message is one broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes an inbound message. Handlers run on the client's receive
// path and must never block; hand work off and return.
type Handler func(Message)

// Client is the pub/sub surface. Delivery is at-least-once in both
// directions; everything downstream is idempotent to absorb that.
type Client interface {
	// Subscribe registers a handler for a topic filter. Subscriptions
	// survive reconnects.
	Subscribe(ctx context.Context, filter string, h Handler) error

	// Publish sends a payload to a topic, waiting for broker receipt.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close disconnects, allowing in-flight messages a short drain.
	Close(ctx context.Context) error
}
