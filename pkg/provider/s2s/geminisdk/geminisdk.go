// Package geminisdk implements the s2s.Provider interface for the Gemini Live
// API on top of the official google.golang.org/genai client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own message encoding, which keeps it current with new server fields.
// The SDK session is not safe for concurrent writes and does not honour a
// context while dialling, so this adapter serialises sends and enforces the
// Connect context while waiting for setupComplete.
package geminisdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel      = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultAPIVersion = "v1beta"

	inputSampleRate  = 16000
	outputSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept as
// is; primarily used in tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version segment. Default: v1beta.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using the genai SDK Live client.
type Provider struct {
	client     *genai.Client
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider backed by a genai client for the Gemini API backend.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel, apiVersion: defaultAPIVersion}
	for _, o := range opts {
		o(p)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: p.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("geminisdk: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices: []s2s.Voice{
			{ID: "Aoede", Name: "Aoede"},
			{ID: "Charon", Name: "Charon"},
			{ID: "Fenrir", Name: "Fenrir"},
			{ID: "Kore", Name: "Kore"},
			{ID: "Puck", Name: "Puck"},
		},
	}
}

// Connect opens a Live session and waits for setupComplete or ctx expiry.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	live, err := p.client.Live.Connect(ctx, p.model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("geminisdk: connect: %w", err)
	}

	sess := &session{
		live:   live,
		events: make(chan s2s.Event, 64),
		ready:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go sess.receiveLoop()

	select {
	case err := <-sess.ready:
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("geminisdk: setup: %w", err)
		}
		return sess, nil
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("geminisdk: setup: %w", ctx.Err())
	}
}

func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	return lc
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event
	ready  chan error

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

// receiveLoop owns events and closes it when it exits. The first message it
// waits for is setupComplete; the outcome is reported on ready.
func (s *session) receiveLoop() {
	defer close(s.events)

	setup := false
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if !setup {
				s.ready <- err
				return
			}
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.setErr(fmt.Errorf("geminisdk: receive: %w", err))
			return
		}

		if !setup {
			if msg.SetupComplete != nil {
				setup = true
				s.ready <- nil
			}
			continue
		}

		if msg.GoAway != nil {
			slog.Warn("geminisdk: server requested disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent emits events for one serverContent message in protocol
// order. It reports false if the session was closed while emitting.
func (s *session) handleServerContent(sc *genai.LiveServerContent) bool {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: part.InlineData.Data}) {
				return false
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.Interrupted && !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
		return false
	}
	if sc.TurnComplete && !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
		return false
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", inputSampleRate),
			Data:     chunk,
		},
	})
	if err != nil {
		return fmt.Errorf("geminisdk: send audio: %w", err)
	}
	return nil
}

// SendText delivers a complete user turn as client content.
func (s *session) SendText(text string) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if text == "" {
		return errors.New("geminisdk: empty text turn")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.live.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("geminisdk: send text: %w", err)
	}
	return nil
}

// Events returns the channel on which inbound events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	return s.live.Close()
}
