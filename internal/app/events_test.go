package app

import (
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/leadvoice/internal/call"
)

func TestHub_LatestStateFirst(t *testing.T) {
	t.Parallel()

	h := newHub()
	h.publish(Event{Type: EventState, State: &Status{State: call.State{SessionID: "a"}}})
	h.publish(Event{Type: EventMessage})
	h.publish(Event{Type: EventState, State: &Status{State: call.State{SessionID: "b"}}})

	s := h.subscribe()
	ev := <-s.ch
	if ev.Type != EventState || ev.State.SessionID != "b" {
		t.Errorf("first event = %+v; want latest state", ev)
	}
	if len(s.ch) != 0 {
		t.Errorf("%d extra events queued", len(s.ch))
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	h := newHub()
	slow := h.subscribe()
	for range subscriberBuffer + 1 {
		h.publish(Event{Type: EventMessage})
	}

	n := 0
	for range slow.ch {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("slow subscriber got %d events; want %d", n, subscriberBuffer)
	}
	if slow.code != websocket.StatusTryAgainLater {
		t.Errorf("close code = %v; want %v", slow.code, websocket.StatusTryAgainLater)
	}
	if h.count() != 0 {
		t.Errorf("count = %d; want 0", h.count())
	}
	// A dropped subscriber may still be unsubscribed by its handler.
	h.unsubscribe(slow)
}

func TestHub_CloseEndsSubscribers(t *testing.T) {
	t.Parallel()

	h := newHub()
	s := h.subscribe()
	h.close()

	if _, ok := <-s.ch; ok {
		t.Fatal("subscriber channel still open after close")
	}
	if s.code != websocket.StatusGoingAway {
		t.Errorf("close code = %v; want %v", s.code, websocket.StatusGoingAway)
	}
	if h.subscribe() != nil {
		t.Error("subscribe after close should return nil")
	}
	h.close()
}
