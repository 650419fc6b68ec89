// Package feed provides the in-process broadcast hub behind the live
// activity stream.
package feed

import (
	"context"
	"sync"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/pkg/logger"
)

// Message types carried on the stream.
const (
	TypeEvent     = "event"
	TypeStats     = "stats"
	TypeConnected = "connected"
)

// Notification is one message delivered to feed subscribers.
type Notification struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Subscriber is one live consumer. Delivery order matches publish order; a
// subscriber that cannot keep up has notifications dropped rather than
// blocking the publisher.
type Subscriber struct {
	ch   chan Notification
	once sync.Once
}

// C returns the delivery channel. It is closed on unsubscribe.
func (s *Subscriber) C() <-chan Notification { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans accepted ledger mutations out to live subscribers. There is no
// replay: a subscriber only sees notifications published after it joined.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	buffer  int
	closed  bool
	log     *logger.Logger
	dropped func() // metrics hook, may be nil
}

// NewHub creates a hub whose subscribers buffer up to buffer notifications.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// OnDropped installs a callback invoked once per dropped notification.
func (h *Hub) OnDropped(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = fn
}

// Subscribe registers a new subscriber. The caller must Unsubscribe when its
// connection goes away.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Notification, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers the notification to every subscriber without blocking.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			if h.dropped != nil {
				h.dropped()
			}
		}
	}
}

// PublishEvent publishes an accepted ledger event followed by the refreshed
// stats, the pair every mutation emits.
func (h *Hub) PublishEvent(ev event.Event, st stats.Stats) {
	h.Publish(Notification{Type: TypeEvent, Data: ev})
	h.Publish(Notification{Type: TypeStats, Data: st})
}

// Name implements system.Service.
func (h *Hub) Name() string { return "feed-hub" }

// Start implements system.Service.
func (h *Hub) Start(context.Context) error { return nil }

// Stop closes every remaining subscription.
func (h *Hub) Stop(context.Context) error {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
