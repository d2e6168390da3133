// ABOUTME: Fan-out of broadcast events between server instances
// ABOUTME: In-process broker for single nodes and a Redis pub/sub broker for clusters

package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by a broker after Close
var ErrClosed = errors.New("relay: broker closed")

// Envelope carries one broadcast between hubs
type Envelope struct {
	Node   string `json:"node"`   // hub that published the envelope
	Origin string `json:"origin"` // connection that produced the event
	Event  string `json:"event"`
	Data   []byte `json:"data"`
	Source string `json:"source,omitempty"`
}

// Handler receives envelopes
type Handler func(Envelope)

// Broker distributes envelopes to every subscriber, including the publisher
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// NodeID returns a random hub identifier
func NodeID() string {
	return uuid.NewString()
}

// MemoryBroker delivers envelopes synchronously within one process
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish hands env to every subscriber in subscription order
func (b *MemoryBroker) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe registers h until the broker is closed
func (b *MemoryBroker) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, h)
	return nil
}

// Close drops all subscribers
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
