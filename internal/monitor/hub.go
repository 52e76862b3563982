// Package monitor serves a read-only dashboard over HTTP and websockets:
// active sessions, persisted records, live events and a bridge to each
// session's terminal.
package monitor

import (
	"log/slog"
	"sync"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
)

// DefaultSubscriberBuffer is the per-subscriber queue length
const DefaultSubscriberBuffer = 256

// Hub fans session events out to websocket subscribers. Publish never blocks:
// a subscriber whose queue is full misses the event.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan eventlog.Entry
	dropped int
	closed  bool
}

// NewHub creates a hub with the given per-subscriber buffer
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[int]chan eventlog.Entry),
	}
}

// Publish delivers e to every subscriber with room for it
func (h *Hub) Publish(e eventlog.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped++
			h.logger.Debug("dropping event for slow subscriber", "subscriber", id, "session_id", e.SessionID, "kind", e.Kind)
		}
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan eventlog.Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan eventlog.Entry, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers returns the number of registered subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
