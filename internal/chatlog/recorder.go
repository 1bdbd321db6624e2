// Package chatlog records every committed message of a call to the chat log
// sinks (the database and an optional webhook) without ever blocking the call.
//
// The [Recorder] owns a bounded queue. [Recorder.Record] never blocks: when
// the queue is full the entry is dropped and counted. A single worker drains
// the queue in order and writes each entry to all sinks concurrently.
package chatlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/leadvoice/internal/lead"
	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/memory"
)

const (
	// DefaultQueueSize bounds the entries waiting to be written.
	DefaultQueueSize = 256

	// DefaultWriteTimeout bounds one write of one entry to all sinks.
	DefaultWriteTimeout = 10 * time.Second

	// drainTimeout bounds the flush of queued entries on shutdown.
	drainTimeout = 5 * time.Second
)

// ErrClosed is returned by [Recorder.Run] when called twice.
var ErrClosed = errors.New("chatlog: recorder already ran")

// Sink is one destination of the chat log.
type Sink interface {
	Name() string
	Write(ctx context.Context, e memory.Entry) error
}

// StoreSink adapts a [memory.Store] to [Sink].
type StoreSink struct {
	Store memory.Store
}

// Name implements [Sink].
func (StoreSink) Name() string { return "postgres" }

// Write implements [Sink].
func (s StoreSink) Write(ctx context.Context, e memory.Entry) error {
	return s.Store.WriteEntry(ctx, e)
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithQueueSize overrides [DefaultQueueSize].
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan memory.Entry, n)
		}
	}
}

// WithWriteTimeout overrides [DefaultWriteTimeout].
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder queues chat-log entries and writes them to its sinks.
type Recorder struct {
	sinks   []Sink
	queue   chan memory.Entry
	timeout time.Duration
	metrics *observe.Metrics

	mu      sync.Mutex
	ran     bool
	closed  bool
	dropped int
}

// NewRecorder returns a Recorder writing to sinks. With no sinks entries are
// accepted and discarded.
func NewRecorder(sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan memory.Entry, DefaultQueueSize),
		timeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Entry builds the chat-log entry for a committed message under the lead's
// current context.
func Entry(msg transcript.Message, snap lead.Snapshot) memory.Entry {
	return memory.Entry{
		SessionID:   snap.SessionID,
		MessageID:   msg.ID,
		ServiceType: string(snap.Service),
		CompanyName: snap.Info.CompanyName,
		Phone:       snap.Info.Phone,
		Role:        string(msg.Role),
		Content:     msg.Text,
		Timestamp:   msg.Timestamp,
	}
}

// Record enqueues e. It never blocks; a full queue drops the entry.
func (r *Recorder) Record(e memory.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.dropped++
		r.metrics.RecordChatlogWrite(context.Background(), "queue", "dropped")
		slog.Warn("chatlog: queue full, dropping entry",
			"session_id", e.SessionID, "message_id", e.MessageID, "dropped_total", r.dropped)
		return false
	}
}

// Dropped returns how many entries were dropped because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run writes queued entries until ctx is done, then flushes what is left
// within a short grace period. It returns nil on shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return ErrClosed
	}
	r.ran = true
	r.mu.Unlock()

	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

// drain stops accepting entries and writes everything still queued.
func (r *Recorder) drain() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

// write sends e to every sink concurrently. Sink failures are logged and
// counted; they never stop the worker.
func (r *Recorder) write(ctx context.Context, e memory.Entry) {
	if len(r.sinks) == 0 {
		return
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var eg errgroup.Group
	for _, s := range r.sinks {
		eg.Go(func() error {
			err := s.Write(ctx, e)
			status := "ok"
			if err != nil {
				status = "error"
				observe.Logger(ctx).Warn("chatlog: write failed",
					"sink", s.Name(), "session_id", e.SessionID, "message_id", e.MessageID, "err", err)
			}
			r.metrics.RecordChatlogWrite(ctx, s.Name(), status)
			return err
		})
	}
	_ = eg.Wait()
}
