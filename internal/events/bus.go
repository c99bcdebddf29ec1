package events

import "context"

// Message is one delivery from the bus.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes a delivery. A nil return acknowledges it; an error leaves
// it pending so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type Subscriber interface {
	// Consume blocks, delivering topic's messages to handler as a member of
	// group, until ctx is done.
	Consume(ctx context.Context, topic, group string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}
