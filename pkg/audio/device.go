// Package audio defines the audio types and device interfaces used by a live
// voice call.
//
// The abstractions are:
//
//   - [Microphone]: opens a [CaptureStream] of fixed-size float frames.
//   - [Speaker]: opens a [Sink] that plays buffers at scheduled points on its
//     own clock and reports when each buffer has finished.
//
// Implementations live in adapter packages (audio/stream for pipes and files,
// audio/mock for tests). Interfaces are kept narrow so the call controller
// stays independent of any device API.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned (possibly wrapped) by [Microphone.Open] when
// the capture device refuses access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrSinkClosed is returned by [Sink.Schedule] after [Sink.Close].
var ErrSinkClosed = errors.New("audio: sink closed")

// CaptureStream is an open microphone.
//
// Frames are delivered in capture order on the channel returned by Frames.
// The channel is closed when the stream ends or Close is called; Err reports
// why a stream ended on its own.
type CaptureStream interface {
	Frames() <-chan FloatFrame
	Format() Format
	Err() error

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Microphone acquires capture streams.
type Microphone interface {
	// Open starts capturing. frameSize is the number of samples per frame and
	// sampleRate the requested rate; implementations must honour both or fail.
	Open(ctx context.Context, sampleRate, frameSize int) (CaptureStream, error)
}

// Voice is one buffer scheduled on a [Sink].
type Voice interface {
	// Stop cuts playback immediately. Once Stop has returned the voice's
	// onEnded callback will not start; a callback already running may still
	// complete. Stop must not block and is idempotent.
	Stop()
}

// Sink is an open audio output with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// SampleRate is the rate buffers are played at.
	SampleRate() int

	// Now returns the sink clock: time elapsed since the sink was opened.
	Now() time.Duration

	// Schedule plays buf starting at clock position at (or immediately if at
	// is in the past). onEnded is invoked exactly once from a sink-owned
	// goroutine when the buffer has finished playing, unless the voice was
	// stopped first. onEnded must not block.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the output. Idempotent.
	Close() error
}

// Speaker acquires sinks.
type Speaker interface {
	Open(ctx context.Context, sampleRate int) (Sink, error)
}
