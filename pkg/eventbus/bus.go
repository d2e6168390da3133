// ABOUTME: Local event bus used by the transport, session store and client
// ABOUTME: Named events, registration-order delivery, panicking handlers isolated

package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nainya/scoresync/internal/logger"
)

// Wildcard receives every emitted event
const Wildcard = "*"

// Handler receives the payload of an emitted event
type Handler func(payload any)

type registration struct {
	id      string
	name    string
	handler Handler
}

// Bus is a synchronous publish/subscribe hub for in-process listeners
type Bus struct {
	mu       sync.RWMutex
	handlers []registration
	seq      atomic.Uint64
	log      *logger.Logger
}

// New creates an empty bus
func New(log *logger.Logger) *Bus {
	return &Bus{log: logger.OrNop(log).Component("eventbus")}
}

// On registers handler for name (or Wildcard) and returns its id
func (b *Bus) On(name string, handler Handler) string {
	id := fmt.Sprintf("h%d", b.seq.Add(1))
	b.mu.Lock()
	b.handlers = append(b.handlers, registration{id: id, name: name, handler: handler})
	b.mu.Unlock()
	return id
}

// Off removes a handler; it reports whether the id was registered
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.handlers {
		if r.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// Len returns the number of registered handlers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Emit delivers payload to every matching handler in registration order.
// Handlers run on the caller's goroutine with no bus lock held.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	matched := make([]registration, 0, len(b.handlers))
	for _, r := range b.handlers {
		if r.name == name || r.name == Wildcard {
			matched = append(matched, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range matched {
		b.call(name, r, payload)
	}
}

func (b *Bus) call(name string, r registration, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("Event handler panicked").
				Str("event", name).
				Str("handler_id", r.id).
				Interface("panic", rec).
				Send()
		}
	}()
	r.handler(payload)
}
