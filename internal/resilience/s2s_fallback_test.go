package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/leadvoice/pkg/provider/s2s/mock"
)

func TestS2SFallback_PrimaryServes(t *testing.T) {
	t.Parallel()

	primary := &s2smock.Provider{}
	secondary := &s2smock.Provider{}
	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	h, err := fb.Connect(context.Background(), s2s.SessionConfig{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != primary.LastSession() {
		t.Error("handle does not come from the primary")
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary called %d times", secondary.Calls())
	}
	if fb.Active() != "gemini" {
		t.Errorf("Active = %q", fb.Active())
	}
}

func TestS2SFallback_FailoverSwitchesCapabilities(t *testing.T) {
	t.Parallel()

	primary := &s2smock.Provider{
		ConnectErr: errors.New("quota exceeded"),
		ProviderCapabilities: s2s.Capabilities{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			Voices:           []s2s.Voice{{ID: "Puck"}},
		},
	}
	secondary := &s2smock.Provider{
		ProviderCapabilities: s2s.Capabilities{
			InputSampleRate:  24000,
			OutputSampleRate: 24000,
			Voices:           []s2s.Voice{{ID: "alloy"}},
		},
	}
	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	if got := fb.Capabilities().InputSampleRate; got != 16000 {
		t.Fatalf("capabilities before Connect = %d, want the primary's 16000", got)
	}

	cfg := s2s.SessionConfig{Voice: "Puck", Instructions: "be brief"}
	h, err := fb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != secondary.LastSession() {
		t.Error("handle does not come from the fallback")
	}
	if fb.Active() != "openai" {
		t.Errorf("Active = %q, want openai", fb.Active())
	}
	if got := fb.Capabilities().InputSampleRate; got != 24000 {
		t.Errorf("capabilities after failover = %d, want 24000", got)
	}

	if got := primary.ConnectCalls[0].Cfg.Voice; got != "Puck" {
		t.Errorf("primary voice = %q, want Puck", got)
	}
	sent := secondary.ConnectCalls[0].Cfg
	if sent.Voice != "" {
		t.Errorf("fallback voice = %q, want empty (provider default)", sent.Voice)
	}
	if sent.Instructions != "be brief" {
		t.Errorf("instructions not forwarded: %q", sent.Instructions)
	}
}

func TestS2SFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewS2SFallback(&s2smock.Provider{ConnectErr: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &s2smock.Provider{ConnectErr: errors.New("b")})

	h, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if h != nil {
		t.Error("expected a nil handle")
	}
	if fb.Active() != "a" {
		t.Errorf("Active = %q, want unchanged", fb.Active())
	}
}
