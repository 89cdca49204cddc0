package notify

import (
	"context"
	"sync"
	"time"
)

// Hub is the in-process bus. Subscribers get a buffered channel; a full
// channel drops the event for that subscriber rather than stalling the
// publisher.
type Hub struct {
	mu    sync.RWMutex
	subs  map[int]chan Event
	next  int
	depth int
	clock func() time.Time
}

// NewHub creates a hub whose subscriber channels buffer depth events.
func NewHub(depth int) *Hub {
	if depth <= 0 {
		depth = 64
	}
	return &Hub{
		subs:  make(map[int]chan Event),
		depth: depth,
		clock: time.Now,
	}
}

// Notify fans the event out to every subscriber. Never blocks.
func (h *Hub) Notify(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = h.clock().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber; the event is lost for them, by contract.
		}
	}
}

// Subscribe registers a listener. Cancel the returned func to detach;
// the channel closes afterward.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, h.depth)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if got, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(got)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount reports attached listeners, for metrics.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
