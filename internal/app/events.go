package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/leadvoice/internal/transcript"
)

// Event types pushed on the events websocket.
const (
	EventState   = "state"
	EventMessage = "message"
)

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 5 * time.Second
	wsPingInterval   = 25 * time.Second
	wsReadLimit      = 512
)

// Event is one frame on the events websocket.
type Event struct {
	Type    string              `json:"type"`
	State   *Status             `json:"state,omitempty"`
	Message *transcript.Message `json:"message,omitempty"`
}

// ── Hub ──────────────────────────────────────────────────────────────────────

type subscriber struct {
	ch chan Event

	// reason is set before ch is closed by the hub.
	reason string
	code   websocket.StatusCode
}

// hub fans events out to websocket subscribers. A subscriber that falls
// behind by more than subscriberBuffer events is disconnected.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	last   *Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// subscribe registers a subscriber. It receives the latest state event
// first, when there is one. It returns nil once the hub is closed.
func (h *hub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if h.last != nil {
		s.ch <- *h.last
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if ev.Type == EventState {
		h.last = &ev
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.reason, s.code = "subscriber too slow", websocket.StatusTryAgainLater
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

// close disconnects every subscriber and rejects new ones.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.reason, s.code = "server shutting down", websocket.StatusGoingAway
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ── Websocket ────────────────────────────────────────────────────────────────

// handleEvents streams call state changes and committed messages. Inbound
// frames other than control frames are ignored. Browsers may connect from the
// same host or from an origin matching the allow list.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.allowedOrigins})
	if err != nil {
		// Accept has already answered the request.
		slog.Debug("events stream rejected", "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	defer conn.CloseNow()

	sub := a.events.subscribe()
	if sub == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer a.events.unsubscribe(sub)

	// The reader answers control frames and notices the peer leaving.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				slog.Debug("events stream ping failed", "err", err)
				return
			}
		case ev, ok := <-sub.ch:
			if !ok {
				slog.Debug("events stream closed", "reason", sub.reason)
				_ = conn.Close(sub.code, sub.reason)
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				slog.Debug("events stream write failed", "err", err)
				return
			}
		}
	}
}
