// Package transcript turns the streamed partial transcripts of a live call
// into committed, turn-level messages.
//
// The [Assembler] keeps one accumulator for the caller and one for the model.
// Partial text events append to them and are visible as ephemeral text until
// the channel signals the end of a turn, at which point each non-empty buffer
// is committed as an immutable [Message]. An interruption commits whatever the
// model had said so far with a truncation marker.
//
// The [ExitDetector] flags committed caller messages that contain a closing
// phrase such as "bye" so the controller can hang up after the model's reply.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// TruncationMarker is appended to a model message cut short by the caller.
const TruncationMarker = " ..."

// Message is a committed transcript entry. It is never mutated after creation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ephemeral is the live, not yet committed text of the current turn.
type Ephemeral struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Turn is the result of [Assembler.CompleteTurn].
type Turn struct {
	// Messages holds the messages committed by this turn, user first.
	Messages []Message

	// Exit is true when the committed user message contains an exit phrase.
	Exit bool

	// Phrase is the matched exit phrase when Exit is true.
	Phrase string
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithExitDetector sets the detector applied to committed user messages.
// The default uses [DefaultExitPhrases].
func WithExitDetector(d *ExitDetector) Option {
	return func(a *Assembler) { a.exit = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithFilter rewrites the text of every message before it is committed. A
// message whose filtered text is blank is dropped.
func WithFilter(f func(Role, string) string) Option {
	return func(a *Assembler) { a.filter = f }
}

// Assembler accumulates partial transcripts for one call.
//
// An Assembler is not safe for concurrent use; the call controller drives it
// from its event loop.
type Assembler struct {
	exit   *ExitDetector
	now    func() time.Time
	filter func(Role, string) string

	input  strings.Builder
	output strings.Builder
	log    []Message
}

// New returns an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		exit: NewExitDetector(DefaultExitPhrases...),
		now:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendInput adds a partial caller transcript.
func (a *Assembler) AppendInput(text string) { a.input.WriteString(text) }

// AppendOutput adds a partial model transcript.
func (a *Assembler) AppendOutput(text string) { a.output.WriteString(text) }

// Ephemeral returns the uncommitted text of the current turn.
func (a *Assembler) Ephemeral() Ephemeral {
	return Ephemeral{Input: a.input.String(), Output: a.output.String()}
}

// CompleteTurn commits the caller buffer and then the model buffer, skipping
// either if it is blank after trimming. Both buffers are cleared in every case.
func (a *Assembler) CompleteTurn() Turn {
	var turn Turn
	if text := strings.TrimSpace(a.input.String()); text != "" {
		if m, ok := a.commit(RoleUser, text); ok {
			turn.Messages = append(turn.Messages, m)
		}
		turn.Phrase, turn.Exit = a.exit.Match(text)
	}
	if text := strings.TrimSpace(a.output.String()); text != "" {
		if m, ok := a.commit(RoleModel, text); ok {
			turn.Messages = append(turn.Messages, m)
		}
	}
	a.input.Reset()
	a.output.Reset()
	return turn
}

// Interrupt commits the model buffer with [TruncationMarker] appended when it
// holds any text, then clears it. The caller buffer is left alone: the caller
// is the one speaking.
func (a *Assembler) Interrupt() (Message, bool) {
	text := strings.TrimSpace(a.output.String())
	a.output.Reset()
	if text == "" {
		return Message{}, false
	}
	return a.commit(RoleModel, text+TruncationMarker)
}

// Messages returns a copy of every message committed so far.
func (a *Assembler) Messages() []Message {
	return append([]Message(nil), a.log...)
}

// Reset discards both buffers and the committed log.
func (a *Assembler) Reset() {
	a.input.Reset()
	a.output.Reset()
	a.log = nil
}

func (a *Assembler) commit(role Role, text string) (Message, bool) {
	if a.filter != nil {
		text = strings.TrimSpace(a.filter(role, text))
		if text == "" {
			return Message{}, false
		}
	}
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: a.now(),
	}
	a.log = append(a.log, m)
	return m, true
}
