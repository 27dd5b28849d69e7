// Package events fans device session events out to subscribers.
//
// Publish hands each event to every subscriber before returning, so an
// event published before a call's reply is queued ahead of it on any
// connection that feeds both from one ordered stream.
package events

import (
	"log/slog"
	"sync"

	"github.com/andyleap/fprint/internal/models"
)

// Sink receives session events.
type Sink interface {
	Publish(ev models.Event)
}

// Hub is a Sink that broadcasts to subscribers in publish order.
type Hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]func(models.Event)
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]func(models.Event)),
		logger: logger,
	}
}

// Publish delivers ev to every subscriber. Subscriber functions run
// under the hub lock and must not block.
func (h *Hub) Publish(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Debug("event", "device", ev.Device, "kind", ev.Kind, "status", ev.Status, "done", ev.Done,
		"finger", ev.Finger, "property", ev.Property)
	for _, fn := range h.subs {
		fn(ev)
	}
}

// SubscribeFunc registers fn for every subsequent event and returns a
// function that removes it.
func (h *Hub) SubscribeFunc(fn func(models.Event)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Subscription is a queued subscriber.
type Subscription struct {
	*Queue[models.Event]
	unsubscribe func()
}

// Subscribe returns a subscription receiving every subsequent event.
func (h *Hub) Subscribe() *Subscription {
	q := NewQueue[models.Event]()
	return &Subscription{
		Queue:       q,
		unsubscribe: h.SubscribeFunc(func(ev models.Event) { q.Push(ev) }),
	}
}

// Close detaches the subscription from the hub and closes its queue.
func (s *Subscription) Close() {
	s.unsubscribe()
	s.Queue.Close()
}
