package stream

import (
	"context"
	"sync"

	"territoria.org/internal/access"
	"territoria.org/internal/obs"
)

const subscriberBuffer = 16

// Filter selects which events a subscriber receives. Zero UserID means all users.
type Filter struct {
	UserID int64
}

func (f Filter) match(evt access.Event) bool {
	return f.UserID == 0 || f.UserID == evt.UserID
}

type subscriber struct {
	ch     chan access.Event
	filter Filter
}

// Hub fans committed matrix events out to live subscribers (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context, f Filter) <-chan access.Event {
	ch := make(chan access.Event, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: f}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish fans the event out to all matching subscribers. Slow subscribers miss events.
func (h *Hub) Publish(evt access.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			obs.Logger().WithField("user_id", evt.UserID).Debug("stream subscriber lagging, event dropped")
		}
	}
}

// MatrixCommitted publishes committed engine events.
func (h *Hub) MatrixCommitted(_ context.Context, evt access.Event) {
	h.Publish(evt)
}

var _ access.Listener = (*Hub)(nil)
