package call

import (
	"fmt"

	"github.com/MrWong99/leadvoice/internal/transcript"
)

// Phase is the lifecycle position of a [Controller].
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{PhaseDisconnected, PhaseConnecting, PhaseConnected} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("call: unknown phase %q", b)
}

// Activity is the sub-state of a connected call.
type Activity int

const (
	// ActivityIdle means nothing has been captured or played yet.
	ActivityIdle Activity = iota

	// ActivityListening means the microphone is streaming and the model is
	// not speaking.
	ActivityListening

	// ActivitySpeaking means at least one model audio chunk is scheduled.
	ActivitySpeaking
)

// String returns the lower-case activity name.
func (a Activity) String() string {
	switch a {
	case ActivityIdle:
		return "idle"
	case ActivityListening:
		return "listening"
	case ActivitySpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (a Activity) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (a *Activity) UnmarshalText(b []byte) error {
	for _, v := range []Activity{ActivityIdle, ActivityListening, ActivitySpeaking} {
		if v.String() == string(b) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("call: unknown activity %q", b)
}

// State is an observable snapshot of a [Controller].
type State struct {
	Phase    Phase    `json:"phase"`
	Activity Activity `json:"activity"`

	Connected bool `json:"connected"`
	Speaking  bool `json:"speaking"`
	Listening bool `json:"listening"`

	// PendingDisconnect is set when the caller said an exit phrase. The call
	// ends once the model's reply has finished playing.
	PendingDisconnect bool `json:"pendingDisconnect"`

	Ephemeral transcript.Ephemeral `json:"ephemeral"`

	// Error is a short human-readable reason for the last failure, empty
	// after a clean disconnect.
	Error string `json:"error,omitempty"`

	// SessionID identifies the current call, or the last one once
	// disconnected.
	SessionID string `json:"sessionId,omitempty"`
}
