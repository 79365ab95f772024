package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload of a single emitted event.
type Handler func(payload any)

// Handle identifies one registered handler for later removal.
type Handle struct {
	event string
	id    uuid.UUID
}

// Event returns the event name this handle is registered under.
func (h Handle) Event() string { return h.event }

// entry pairs a handler with its identity.
type entry struct {
	id uuid.UUID
	fn Handler
}

// Bus is a named-event publish/subscribe registry.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]entry
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]entry),
	}
}

// Subscribe appends a handler to the event's handler list. Handlers are not
// deduplicated: subscribing the same function twice delivers twice.
func (b *Bus) Subscribe(event string, fn Handler) Handle {
	h := Handle{event: event, id: uuid.New()}

	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], entry{id: h.id, fn: fn})
	b.mu.Unlock()

	return h
}

// Unsubscribe removes the handler identified by the handle. It reports
// whether a handler was actually removed.
func (b *Bus) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[h.event]
	for i, e := range list {
		if e.id == h.id {
			// Copy-on-remove so a snapshot taken by an in-progress Emit
			// keeps iterating the old slice.
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, h.event)
			} else {
				b.handlers[h.event] = next
			}
			return true
		}
	}
	return false
}

// Emit delivers payload to every handler registered for event at the moment
// of the call, in registration order.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	snapshot := b.handlers[event]
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.safeCall(event, e.fn, payload)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// safeCall invokes one handler, isolating panics from the caller and from
// sibling handlers.
func (b *Bus) safeCall(event string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", event,
				"panic", r,
			)
		}
	}()
	fn(payload)
}
