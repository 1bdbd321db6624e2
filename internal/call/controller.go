// Package call implements the session controller of a live voice call.
//
// A [Controller] owns at most one call at a time. [Controller.Connect] opens
// the microphone, the playback sink and the bidirectional audio channel, then
// starts two goroutines: the capture pipeline, which streams microphone frames
// to the channel, and the event loop, which receives everything else (channel
// events, playback completions, capture failure, timers) and handles each
// event to completion under the controller lock before taking the next.
//
// State machine:
//
//	Disconnected ──Connect──▶ Connecting ──ok──▶ Connected ──▶ Disconnected
//	                              └──error / Disconnect──▶ Disconnected
//
// A connected call is Idle until the first frame is sent, then Listening, and
// Speaking whenever model audio is scheduled. An exit phrase from the caller
// sets the pending-disconnect bit: the call ends when the model's reply has
// finished playing, or at once if nothing is playing when the turn completes.
//
// [Controller.Disconnect] is the only cancellation primitive. It is
// idempotent and safe to call from any goroutine, including from inside the
// commit and state handlers.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/leadvoice/internal/capture"
	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/internal/playback"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/audio"
	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
)

var (
	// ErrAlreadyConnected is returned by Connect when a call is already
	// connecting or connected.
	ErrAlreadyConnected = errors.New("call: already connected")

	// ErrMicrophone wraps microphone failures during Connect.
	ErrMicrophone = errors.New("call: microphone unavailable")

	// ErrSpeaker wraps audio output failures during Connect.
	ErrSpeaker = errors.New("call: audio output unavailable")

	// ErrChannel wraps live-audio channel failures during Connect.
	ErrChannel = errors.New("call: channel setup failed")

	// ErrAborted is returned by Connect when Disconnect was called while the
	// call was still connecting.
	ErrAborted = errors.New("call: connect aborted")
)

// User-visible error strings reported through [State.Error].
const (
	MsgSetupFailed     = "Failed to access microphone or connect to AI."
	MsgConnectionError = "Connection error"
	MsgIdleTimeout     = "Session timed out"
	MsgTimeLimit       = "Session time limit reached"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultMaxDuration    = 15 * time.Minute
)

// Reasons a call ended, as logged and recorded on the call duration metric.
const (
	reasonHangup       = "hangup"
	reasonExitPhrase   = "exit_phrase"
	reasonRemoteClose  = "remote_close"
	reasonChannelError = "channel_error"
	reasonCaptureError = "capture_error"
	reasonIdle         = "idle_timeout"
	reasonTimeLimit    = "max_duration"
	reasonSetupFailed  = "setup_failed"
)

// completionBuffer bounds playback completions waiting for the event loop.
const completionBuffer = 1024

// Config holds per-call settings. Changes made with [Controller.Reconfigure]
// apply to the next call.
type Config struct {
	// Session is passed to the provider on every Connect.
	Session s2s.SessionConfig

	// ProviderName labels provider error metrics and logs.
	ProviderName string

	// SampleRate and FrameSize are requested from the microphone.
	// Defaults: 16000 Hz and 4096 samples.
	SampleRate int
	FrameSize  int

	// ConnectTimeout bounds Connect. IdleTimeout ends a call after that long
	// without any inbound event. MaxDuration caps the length of a call.
	// Zero selects the default; a negative value disables the limit.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxDuration    time.Duration

	// ExitPhrases end the call when the caller says one. Nil selects
	// [transcript.DefaultExitPhrases]; an empty non-nil slice disables
	// exit-phrase detection.
	ExitPhrases []string
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = capture.DefaultSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.ExitPhrases == nil {
		c.ExitPhrases = transcript.DefaultExitPhrases
	}
	return c
}

// Option configures a [Controller].
type Option func(*Controller)

// WithCommitHandler registers fn to receive every committed message exactly
// once, in commit order. fn runs outside the controller lock.
func WithCommitHandler(fn func(transcript.Message)) Option {
	return func(c *Controller) { c.onCommit = fn }
}

// WithStateHandler registers fn to receive a snapshot after every observable
// change. fn runs outside the controller lock and may be called concurrently
// from the event loop and the caller of Connect or Disconnect.
func WithStateHandler(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithCommitFilter rewrites message text before it is committed. A message
// whose filtered text is blank is not committed at all.
func WithCommitFilter(fn func(transcript.Role, string) string) Option {
	return func(c *Controller) { c.filter = fn }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs one live call at a time.
type Controller struct {
	provider s2s.Provider
	mic      audio.Microphone
	speaker  audio.Speaker

	onCommit func(transcript.Message)
	onState  func(State)
	filter   func(transcript.Role, string) string
	metrics  *observe.Metrics

	mu       sync.Mutex
	cfg      Config
	phase    Phase
	activity Activity
	pending  bool
	errMsg   string
	sess     *session
	lastID   string
	last     []transcript.Message
}

// session is everything owned by one call. Fields are guarded by the
// controller mutex.
type session struct {
	id        string
	started   time.Time
	connected bool
	capturing bool
	torn      bool

	// abort cancels the connect context while connecting and the capture
	// context once connected.
	abort context.CancelFunc

	stream audio.CaptureStream
	sink   audio.Sink
	handle s2s.SessionHandle
	sched  *playback.Scheduler
	asm    *transcript.Assembler

	completions chan uint64
	captureDone chan error
	done        chan struct{}
}

// post hands a finished chunk to the event loop. It is the scheduler's
// onEnded callback and runs on a sink goroutine.
func (s *session) post(id uint64) {
	select {
	case s.completions <- id:
	case <-s.done:
	}
}

// New returns a disconnected Controller.
func New(provider s2s.Provider, mic audio.Microphone, speaker audio.Speaker, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		mic:      mic,
		speaker:  speaker,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Reconfigure replaces the per-call settings. The current call, if any, is
// not affected.
func (c *Controller) Reconfigure(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Config returns the settings the next call will use.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Connect opens a call. It blocks until the microphone, the sink and the
// channel are all open, the connect timeout expires, ctx is done or
// Disconnect aborts the attempt.
//
// On failure every resource acquired so far is released, [State.Error] is
// set and the returned error wraps [ErrMicrophone], [ErrSpeaker] or
// [ErrChannel]. ctx only bounds setup: the call itself outlives it.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	cfg := c.cfg
	s := &session{
		id:          uuid.NewString(),
		completions: make(chan uint64, completionBuffer),
		captureDone: make(chan error, 1),
		done:        make(chan struct{}),
		asm: transcript.New(
			transcript.WithExitDetector(transcript.NewExitDetector(cfg.ExitPhrases...)),
			transcript.WithFilter(c.filter),
		),
	}
	var (
		connectCtx context.Context
		cancel     context.CancelFunc
	)
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
	} else {
		connectCtx, cancel = context.WithCancel(ctx)
	}
	s.abort = cancel
	c.sess = s
	c.phase = PhaseConnecting
	c.activity = ActivityIdle
	c.pending = false
	c.errMsg = ""
	c.last = nil
	c.mu.Unlock()
	c.publish()

	spanCtx, span := observe.StartSpan(connectCtx, "call.connect")
	log := observe.Logger(spanCtx).With("session_id", s.id, "provider", cfg.ProviderName)
	start := time.Now()

	err := c.open(spanCtx, s, cfg)
	cancel()
	if err != nil {
		err = c.failConnect(s, cfg, err)
		c.metrics.RecordConnect(ctx, time.Since(start).Seconds(), "error")
		observe.EndSpan(span, err)
		log.Warn("call: connect failed", "err", err)
		return err
	}

	caps := c.provider.Capabilities()

	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		observe.EndSpan(span, ErrAborted)
		return ErrAborted
	}
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(spanCtx))
	s.abort = runCancel
	s.sched = playback.New(s.sink, caps.OutputSampleRate, s.post)
	s.started = time.Now()
	s.connected = true
	c.phase = PhaseConnected
	pipe := capture.New(s.stream, s.handle, caps.InputSampleRate,
		capture.WithFrameHook(func(n int) { c.frameSent(s, n) }),
	)
	events := s.handle.Events()
	c.mu.Unlock()

	go func() { s.captureDone <- pipe.Run(runCtx) }()
	go c.loop(s, events, cfg)

	c.metrics.ActiveCalls.Add(ctx, 1)
	c.metrics.RecordConnect(ctx, time.Since(start).Seconds(), "ok")
	observe.EndSpan(span, nil)
	log.Info("call connected",
		"input_rate", caps.InputSampleRate,
		"output_rate", caps.OutputSampleRate,
		"setup", time.Since(start),
	)
	c.publish()
	return nil
}

// open acquires the three resources of a call in order. Each one is handed to
// the session under the lock so that a concurrent Disconnect releases it.
func (c *Controller) open(ctx context.Context, s *session, cfg Config) error {
	stream, err := c.mic.Open(ctx, cfg.SampleRate, cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMicrophone, err)
	}
	if !c.adopt(s, func() { s.stream = stream }) {
		_ = stream.Close()
		return ErrAborted
	}

	sink, err := c.speaker.Open(ctx, c.provider.Capabilities().OutputSampleRate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpeaker, err)
	}
	if !c.adopt(s, func() { s.sink = sink }) {
		_ = sink.Close()
		return ErrAborted
	}

	handle, err := c.provider.Connect(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	if !c.adopt(s, func() { s.handle = handle }) {
		_ = handle.Close()
		return ErrAborted
	}
	return nil
}

func (c *Controller) adopt(s *session, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.torn {
		return false
	}
	set()
	return true
}

// failConnect releases a failed attempt. An attempt already torn down by
// Disconnect reports ErrAborted instead of its own error.
func (c *Controller) failConnect(s *session, cfg Config, err error) error {
	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		return ErrAborted
	}
	closers := c.teardownLocked(s, MsgSetupFailed, reasonSetupFailed)
	c.mu.Unlock()

	runAll(closers)
	if errors.Is(err, ErrChannel) {
		c.metrics.RecordProviderError(context.Background(), cfg.ProviderName, "connect")
	}
	c.publish()
	return err
}

// Disconnect ends the current call, or aborts a connect in progress. Scheduled
// playback is stopped before Disconnect returns. Calling it with no call open
// does nothing.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return
	}
	closers := c.teardownLocked(s, "", reasonHangup)
	c.mu.Unlock()

	runAll(closers)
	c.publish()
}

// teardownLocked resets the controller to Disconnected and returns the
// release functions to run once the lock is dropped. It is a no-op for a
// session that is already torn down. c.mu must be held.
func (c *Controller) teardownLocked(s *session, msg, reason string) []func() {
	if s.torn {
		return nil
	}
	s.torn = true
	close(s.done)
	if s.abort != nil {
		s.abort()
	}
	if s.sched != nil {
		s.sched.Interrupt()
	}

	if c.sess == s {
		c.sess = nil
		c.phase = PhaseDisconnected
		c.activity = ActivityIdle
		c.pending = false
		c.errMsg = msg
		c.lastID = s.id
		c.last = s.asm.Messages()
	}

	if s.connected {
		d := time.Since(s.started)
		c.metrics.ActiveCalls.Add(context.Background(), -1)
		c.metrics.RecordCallEnd(context.Background(), d.Seconds(), reason)
		slog.Info("call ended", "session_id", s.id, "reason", reason, "duration", d.Round(time.Millisecond))
	}

	var closers []func()
	if stream := s.stream; stream != nil {
		closers = append(closers, func() { _ = stream.Close() })
	}
	if handle := s.handle; handle != nil {
		closers = append(closers, func() {
			if err := handle.Close(); err != nil {
				slog.Debug("call: close channel", "session_id", s.id, "err", err)
			}
		})
	}
	if sink := s.sink; sink != nil {
		closers = append(closers, func() { _ = sink.Close() })
	}
	return closers
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// ── Observation ───────────────────────────────────────────────────────────────

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Phase:             c.phase,
		Activity:          c.activity,
		Connected:         c.phase == PhaseConnected,
		Speaking:          c.phase == PhaseConnected && c.activity == ActivitySpeaking,
		Listening:         c.phase == PhaseConnected && c.activity == ActivityListening,
		PendingDisconnect: c.pending,
		Error:             c.errMsg,
		SessionID:         c.lastID,
	}
	if s := c.sess; s != nil {
		st.SessionID = s.id
		st.Ephemeral = s.asm.Ephemeral()
	}
	return st
}

// Transcript returns the committed messages of the current call, or of the
// last call once disconnected.
func (c *Controller) Transcript() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess.asm.Messages()
	}
	return append([]transcript.Message(nil), c.last...)
}

func (c *Controller) publish() {
	if c.onState != nil {
		c.onState(c.State())
	}
}

func (c *Controller) emit(msgs []transcript.Message) {
	for _, m := range msgs {
		c.metrics.RecordMessage(context.Background(), string(m.Role))
		if c.onCommit != nil {
			c.onCommit(m)
		}
	}
}
