package feed

import (
	"context"
	"testing"
	"time"

	"github.com/guildpoints/pointsd/internal/app/domain/event"
	"github.com/guildpoints/pointsd/internal/app/domain/stats"
	"github.com/guildpoints/pointsd/pkg/logger"
)

func recv(t *testing.T, sub *Subscriber) Notification {
	t.Helper()
	select {
	case n := <-sub.C():
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := NewHub(8, logger.Nop())
	a := h.Subscribe()
	b := h.Subscribe()
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(Notification{Type: TypeEvent})

	if n := recv(t, a); n.Type != TypeEvent {
		t.Fatalf("a got %s, want %s", n.Type, TypeEvent)
	}
	if n := recv(t, b); n.Type != TypeEvent {
		t.Fatalf("b got %s, want %s", n.Type, TypeEvent)
	}
}

func TestPublishEventOrdering(t *testing.T) {
	h := NewHub(8, logger.Nop())
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	h.PublishEvent(event.Event{ID: "e1"}, stats.Stats{Events: 1})

	if n := recv(t, sub); n.Type != TypeEvent {
		t.Fatalf("first = %s, want %s", n.Type, TypeEvent)
	}
	if n := recv(t, sub); n.Type != TypeStats {
		t.Fatalf("second = %s, want %s", n.Type, TypeStats)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1, logger.Nop())
	drops := 0
	h.OnDropped(func() { drops++ })

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	// Buffer of one: the second and third publishes must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Publish(Notification{Type: "first"})
		h.Publish(Notification{Type: "second"})
		h.Publish(Notification{Type: "third"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if drops != 2 {
		t.Fatalf("drops = %d, want 2", drops)
	}
	if n := recv(t, sub); n.Type != "first" {
		t.Fatalf("kept notification = %s, want first", n.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(8, logger.Nop())
	sub := h.Subscribe()

	if got := h.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // idempotent

	if _, open := <-sub.C(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := h.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
}

func TestStopClosesEverything(t *testing.T) {
	h := NewHub(8, logger.Nop())
	sub := h.Subscribe()

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, open := <-sub.C(); open {
		t.Fatal("channel still open after hub stop")
	}

	// A stopped hub hands out closed subscriptions and swallows publishes.
	late := h.Subscribe()
	if _, open := <-late.C(); open {
		t.Fatal("subscription after stop should be closed")
	}
	h.Publish(Notification{Type: TypeEvent})
}
