package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. Each group sees every message of a topic;
// messages whose handler fails are retried on the next Drain.
type MemoryBus struct {
	mu       sync.Mutex
	seq      int
	messages map[string][]Message
	acked    map[string]map[string]bool
	failPub  error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{messages: map[string][]Message{}, acked: map[string]map[string]bool{}}
}

func (b *MemoryBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPub != nil {
		return b.failPub
	}
	b.seq++
	b.messages[topic] = append(b.messages[topic], Message{
		ID:      fmt.Sprintf("%d-0", b.seq),
		Topic:   topic,
		Key:     key,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// FailPublishes makes every Publish return err until called with nil.
func (b *MemoryBus) FailPublishes(err error) {
	b.mu.Lock()
	b.failPub = err
	b.mu.Unlock()
}

func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages[topic]...)
}

// Drain delivers every unacknowledged message of topic to handler once and
// returns how many were acknowledged.
func (b *MemoryBus) Drain(ctx context.Context, topic, group string, handler Handler) int {
	acked := 0
	for _, msg := range b.pending(topic, group) {
		if err := handler(ctx, msg); err != nil {
			continue
		}
		b.ack(topic, group, msg.ID)
		acked++
	}
	return acked
}

func (b *MemoryBus) pending(topic, group string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := b.acked[topic+"|"+group]
	var out []Message
	for _, m := range b.messages[topic] {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBus) ack(topic, group, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := topic + "|" + group
	if b.acked[k] == nil {
		b.acked[k] = map[string]bool{}
	}
	b.acked[k][id] = true
}

// Consume drains topic until ctx is done, checking for new messages every
// few milliseconds.
func (b *MemoryBus) Consume(ctx context.Context, topic, group string, handler Handler) error {
	for {
		b.Drain(ctx, topic, group, handler)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) Close() error { return nil }
