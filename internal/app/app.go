// Package app wires all leadvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP control plane and the chat-log recorder
// until its context is done, and Shutdown releases what New acquired.
//
// For testing, inject doubles via functional options (WithStore,
// WithRequirements, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/leadvoice/internal/call"
	"github.com/MrWong99/leadvoice/internal/chatlog"
	"github.com/MrWong99/leadvoice/internal/config"
	"github.com/MrWong99/leadvoice/internal/health"
	"github.com/MrWong99/leadvoice/internal/lead"
	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/internal/resilience"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/memory"
	"github.com/MrWong99/leadvoice/pkg/memory/postgres"
	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 10 * time.Second
)

// Providers holds the live-audio backend and the audio devices. Populated by
// main.go via the config registry.
type Providers struct {
	// S2S is the live-audio model, possibly a [resilience.S2SFallback].
	S2S s2s.Provider

	// S2SName labels provider metrics and logs.
	S2SName string

	Audio config.AudioBackend
}

// RequirementsSubmitter delivers a finished lead. [*chatlog.Webhook]
// implements it.
type RequirementsSubmitter interface {
	SubmitRequirements(ctx context.Context, p chatlog.RequirementsPayload) error
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics

	mu  sync.Mutex
	cfg *config.Config

	// connMu serialises call setup with service changes. nextService is the
	// service line the next call is set up for; it is guarded by connMu.
	connMu      sync.Mutex
	nextService lead.ServiceType

	ctrl         *call.Controller
	lead         *lead.Lead
	recorder     *chatlog.Recorder
	store        memory.Store
	requirements RequirementsSubmitter
	events       *hub
	health       *health.Handler
	handler      http.Handler

	extraSinks     []chatlog.Sink
	metricsHandler http.Handler
	allowedOrigins []string

	// pubMu serialises state publication so subscribers never see an older
	// snapshot after a newer one.
	pubMu sync.Mutex

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a chat-log store instead of connecting to PostgreSQL.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithChatlogSinks adds sinks the recorder writes every message to.
func WithChatlogSinks(sinks ...chatlog.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, sinks...) }
}

// WithRequirements injects the requirements destination instead of creating
// a webhook from config.
func WithRequirements(r RequirementsSubmitter) Option {
	return func(a *App) { a.requirements = r }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithAllowedOrigins adds browser origins allowed to open the events
// websocket. Entries are host patterns such as "*.example.com", or full
// origins when they carry a scheme. Same-host requests are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *App) { a.allowedOrigins = origins }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	if providers.Audio.Microphone == nil || providers.Audio.Speaker == nil {
		return nil, errors.New("app: an audio backend is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		events:    newHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Chat-log store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Recorder + webhooks ───────────────────────────────────────────
	checkers, err := a.initChatlog()
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init chatlog: %w", err)
	}

	// ── 3. Lead + controller ─────────────────────────────────────────────
	a.nextService = cfg.Lead.Service()
	a.lead = lead.New(a.nextService)
	a.ctrl = call.New(
		providers.S2S,
		providers.Audio.Microphone,
		providers.Audio.Speaker,
		a.callConfig(cfg, a.lead.Snapshot().Service),
		call.WithCommitFilter(a.lead.Filter),
		call.WithCommitHandler(a.onCommit),
		call.WithStateHandler(a.onState),
		call.WithMetrics(a.metrics),
	)

	// ── 4. Health + HTTP ─────────────────────────────────────────────────
	a.health = health.New(append(checkers, a.providerChecker())...)
	a.handler = observe.Middleware(a.metrics)(a.routes())

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL store unless one was injected. Without a
// DSN the service runs without a database.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("memory.postgres_dsn is empty; chat log is not persisted to a database")
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// initChatlog builds the recorder sinks and the requirements webhook and
// returns the readiness checks for them.
func (a *App) initChatlog() ([]health.Checker, error) {
	cl := a.cfg.Chatlog
	var (
		sinks    []chatlog.Sink
		checkers []health.Checker
	)

	if a.store != nil {
		sinks = append(sinks, chatlog.StoreSink{Store: a.store})
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			checkers = append(checkers, health.Checker{Name: "postgres", Check: p.Ping})
		}
	}

	hookOpts := make([]chatlog.WebhookOption, 0, len(cl.Headers))
	for k, v := range cl.Headers {
		hookOpts = append(hookOpts, chatlog.WithHeader(k, v))
	}

	if cl.WebhookURL != "" {
		wh, err := chatlog.NewWebhook("webhook", cl.WebhookURL, hookOpts...)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
		checkers = append(checkers, health.Checker{Name: "chatlog_webhook", Check: wh.Check, Optional: true})
	}

	if a.requirements == nil && cl.RequirementsWebhookURL != "" {
		wh, err := chatlog.NewWebhook("requirements", cl.RequirementsWebhookURL, hookOpts...)
		if err != nil {
			return nil, err
		}
		a.requirements = wh
		checkers = append(checkers, health.Checker{Name: "requirements_webhook", Check: wh.Check, Optional: true})
	}

	sinks = append(sinks, a.extraSinks...)
	if len(sinks) == 0 {
		slog.Warn("no chat-log sinks configured; committed messages are only kept in memory")
	}

	recOpts := []chatlog.Option{chatlog.WithMetrics(a.metrics)}
	if cl.QueueSize > 0 {
		recOpts = append(recOpts, chatlog.WithQueueSize(cl.QueueSize))
	}
	if cl.WriteTimeout > 0 {
		recOpts = append(recOpts, chatlog.WithWriteTimeout(cl.WriteTimeout))
	}
	a.recorder = chatlog.NewRecorder(sinks, recOpts...)
	return checkers, nil
}

// providerChecker fails readiness only when every live-audio backend has an
// open circuit breaker.
func (a *App) providerChecker() health.Checker {
	return health.Checker{Name: "s2s", Check: func(context.Context) error {
		fb, ok := a.providers.S2S.(interface {
			States() map[string]resilience.State
		})
		if !ok {
			return nil
		}
		states := fb.States()
		for _, st := range states {
			if st != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d providers have an open circuit", len(states))
	}}
}

// callConfig translates cfg into controller settings for service.
func (a *App) callConfig(cfg *config.Config, service lead.ServiceType) call.Config {
	base := cfg.Lead.Instructions
	if base == "" {
		base = lead.DefaultInstruction
	}
	voice := cfg.Lead.Voice
	if voice == "" {
		voice = lead.DefaultVoice
	}
	return call.Config{
		Session: s2s.SessionConfig{
			Voice:        voice,
			Instructions: lead.Instructions(base, service),
		},
		ProviderName:   a.providers.S2SName,
		SampleRate:     cfg.Call.SampleRate,
		FrameSize:      cfg.Call.FrameSize,
		ConnectTimeout: cfg.Call.ConnectTimeout,
		IdleTimeout:    cfg.Call.IdleTimeout,
		MaxDuration:    cfg.Call.MaxDuration,
		ExitPhrases:    cfg.Call.ExitPhrases,
	}
}

// ─── Callbacks ───────────────────────────────────────────────────────────────

// onCommit records every committed message and pushes it to subscribers.
func (a *App) onCommit(msg transcript.Message) {
	a.recorder.Record(chatlog.Entry(msg, a.lead.Snapshot()))
	a.events.publish(Event{Type: EventMessage, Message: &msg})
}

// onState starts a new lead session when the controller opens a call and
// pushes the latest status to subscribers.
func (a *App) onState(st call.State) {
	if a.lead.Begin(st.SessionID) {
		slog.Info("call session started", "session_id", st.SessionID, "service", a.lead.Snapshot().Service)
	}
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	status := a.status(a.ctrl.State())
	a.events.publish(Event{Type: EventState, State: &status})
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of new. Call and lead
// settings take effect on the next call.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if d.ServiceChanged {
		a.nextService = new.Lead.Service()
		// A live call keeps its service; handleConnect applies it later.
		if a.ctrl.State().Phase == call.PhaseDisconnected {
			a.lead.SetService(a.nextService)
		}
	}
	if d.CallChanged || d.LeadChanged {
		a.ctrl.Reconfigure(a.callConfig(new, a.nextService))
		slog.Info("call settings updated; applied to the next call")
	}
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP control plane.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the call controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// Run serves HTTP on server.listen_addr and drains the chat-log queue until
// ctx is done. It then hangs up any call, closes event streams, flushes the
// chat log and stops the server. Run returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, gctx := errgroup.WithContext(ctx)

	// The recorder outlives gctx so the messages committed by the final
	// hang-up are still written.
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRecorder()
	eg.Go(func() error { return a.recorder.Run(recCtx) })

	eg.Go(func() error {
		slog.Info("http server listening", "addr", addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	eg.Go(func() error {
		<-gctx.Done()
		a.ctrl.Disconnect()
		a.events.close()
		stopRecorder()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("app running", "provider", a.providers.S2SName, "service", a.lead.Snapshot().Service)
	return eg.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up any call and releases what New acquired. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.ctrl.Disconnect()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
