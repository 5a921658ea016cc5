// Package events implements the synchronous publish/subscribe bus shared
// by every controller component. Each component documents the event Kinds
// it emits in its own package; this bus only provides the dispatch
// mechanics spec.md section 5 requires: listeners run serially, in
// registration order, and a listener's panic or error is swallowed so it
// cannot affect other listeners or the emitting component.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Payload carries the event's documented, stable keys. Components agree on
// the key names for each Kind in their own doc comments.
type Payload map[string]any

// Handler reacts to an emitted event. Handlers must not block for long:
// the bus calls them inline, on the emitter's goroutine.
type Handler func(kind string, payload Payload)

// Bus is a minimal in-process event dispatcher.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	logger   *zap.SugaredLogger
}

// New creates a Bus. logger may be nil, in which case a no-op logger is used.
func New(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler. Handlers fire in registration order.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit dispatches kind/payload to every registered handler, serially, in
// registration order. A handler panic is recovered and logged; it never
// propagates to the caller or to other handlers.
func (b *Bus) Emit(kind string, payload Payload) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeInvoke(h, kind, payload)
	}
}

func (b *Bus) safeInvoke(h Handler, kind string, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warnw("event listener panicked", "kind", kind, "recover", r)
		}
	}()
	h(kind, payload)
}
