package resilience

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
)

var _ s2s.Provider = (*S2SFallback)(nil)

// S2SFallback implements [s2s.Provider] with failover across several live
// audio backends. Only Connect fails over; an established session stays on
// the backend that accepted it.
//
// Backends may use different sample rates. Capabilities reports the backend
// that accepted the most recent Connect, or the primary before the first one,
// so the caller must read it after Connect returns.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]

	mu     sync.Mutex
	active string
	caps   s2s.Capabilities
}

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		active: primaryName,
		caps:   primary.Capabilities(),
	}
}

// AddFallback registers another backend.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first healthy backend. A configured voice
// the backend does not offer is cleared so the backend picks its default.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	type connected struct {
		handle s2s.SessionHandle
		caps   s2s.Capabilities
	}
	res, name, err := executeNamed(ctx, f.group, func(ctx context.Context, p s2s.Provider) (connected, error) {
		caps := p.Capabilities()
		h, err := p.Connect(ctx, withVoiceFor(cfg, caps))
		return connected{handle: h, caps: caps}, err
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	prev := f.active
	f.active, f.caps = name, res.caps
	f.mu.Unlock()
	if prev != name {
		slog.Info("s2s: session served by fallback provider", "provider", name, "previous", prev)
	}
	return res.handle, nil
}

// Capabilities implements [s2s.Provider].
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

// Active returns the name of the backend that served the last Connect.
func (f *S2SFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// States returns the breaker state of every backend.
func (f *S2SFallback) States() map[string]State { return f.group.States() }

func withVoiceFor(cfg s2s.SessionConfig, caps s2s.Capabilities) s2s.SessionConfig {
	if cfg.Voice == "" || len(caps.Voices) == 0 {
		return cfg
	}
	if !slices.ContainsFunc(caps.Voices, func(v s2s.Voice) bool { return v.ID == cfg.Voice }) {
		cfg.Voice = ""
	}
	return cfg
}
