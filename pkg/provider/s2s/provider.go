// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a hosted live-audio model that accepts raw caller audio
// and answers with synthesised speech in a single, stateful session. Examples
// are the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a bidirectional channel that carries
// caller audio outbound and a single ordered stream of [Event] values inbound.
// Keeping inbound traffic on one channel preserves the order in which the model
// produced audio, transcript deltas, turn boundaries and interruptions, which
// the call controller depends on.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SessionHandle send methods after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider voice ID used for synthesised speech. Empty selects
	// the provider default.
	Voice string

	// Instructions is the system-level prompt that drives the conversation.
	Instructions string
}

// Voice describes one voice offered by a provider.
type Voice struct {
	ID   string
	Name string
}

// Capabilities describes static properties of an S2S provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the rate of the mono PCM16 audio SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the rate of the mono PCM16 audio carried by
	// [EventAudio] events.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed upper bound on session
	// lifetime. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voices available for this provider.
	Voices []Voice
}

// EventKind identifies the type of an inbound [Event].
type EventKind int

const (
	// EventAudio carries a chunk of synthesised speech in Audio.
	EventAudio EventKind = iota + 1

	// EventInputTranscript carries a partial transcription of caller speech.
	EventInputTranscript

	// EventOutputTranscript carries a partial transcription of model speech.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted reports that the caller spoke over the model; any audio
	// already delivered for the current turn should be discarded.
	EventInterrupted
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the model.
type Event struct {
	Kind EventKind

	// Audio is raw mono PCM16 LE at Capabilities.OutputSampleRate. Set only for
	// EventAudio.
	Audio []byte

	// Text is a transcript delta. Set only for the transcript kinds.
	Text string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a mono PCM16 LE chunk at Capabilities.InputSampleRate.
	// Returns an error if the session is closed or the write fails.
	SendAudio(chunk []byte) error

	// SendText delivers a complete user text turn.
	SendText(text string) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends, either remotely or through Close. After it closes, Err
	// reports why: nil for a clean close.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended cleanly
	// or is still open.
	Err() error

	// Close terminates the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. It returns once the provider has
	// accepted the session configuration, or with an error if ctx expires
	// first or the provider rejects the setup. The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
