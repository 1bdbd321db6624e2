// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.Speaker] and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. Sink runs on a manual clock: tests
// move it forward with [Sink.Advance], which fires the completion callbacks of
// every voice whose end time has been reached, in end-time order.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	stream, _ := mic.Open(ctx, 16000, 4096)
//	mic.Stream().Push(frame)
//	sink, _ := spk.Open(ctx, 24000)
//	spk.Sink().Advance(time.Second)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/leadvoice/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls counts calls to Open.
	OpenCalls int

	stream *CaptureStream
}

// Open implements [audio.Microphone]. It returns a fresh [CaptureStream] with
// a buffered frame channel.
func (m *Microphone) Open(_ context.Context, sampleRate, frameSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.stream = &CaptureStream{
		frames:    make(chan audio.FloatFrame, 64),
		format:    audio.Format{SampleRate: sampleRate, Channels: 1},
		FrameSize: frameSize,
	}
	return m.stream, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// CaptureStream is a mock [audio.CaptureStream] fed by [CaptureStream.Push].
type CaptureStream struct {
	// FrameSize is the frame size requested in Open.
	FrameSize int

	mu     sync.Mutex
	frames chan audio.FloatFrame
	format audio.Format
	err    error
	closed bool
	closes int
}

// Push delivers a frame to the consumer. It reports false when the stream is
// closed or its buffer is full.
func (s *CaptureStream) Push(f audio.FloatFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// PushSilence delivers a zeroed frame of FrameSize samples.
func (s *CaptureStream) PushSilence() bool {
	return s.Push(audio.FloatFrame{
		Samples:    make([]float32, s.FrameSize),
		SampleRate: s.format.SampleRate,
		Channels:   1,
	})
}

// Fail ends the stream with err as if the device had gone away.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.FloatFrame { return s.frames }

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream]. Idempotent.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close (or Fail) has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker / Sink ───────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls counts calls to Open.
	OpenCalls int

	sink *Sink
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, sampleRate int) (audio.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.sink = NewSink(sampleRate)
	return s.sink, nil
}

// Sink returns the most recently opened sink, or nil.
func (s *Speaker) Sink() *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// Scheduled records one call to [Sink.Schedule].
type Scheduled struct {
	Start    time.Duration
	Duration time.Duration
	Samples  int
}

// Sink is a manual-clock [audio.Sink].
type Sink struct {
	mu     sync.Mutex
	rate   int
	now    time.Duration
	voices []*Voice
	closed bool

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	history []Scheduled
	closes  int
}

// NewSink returns a sink whose clock starts at zero.
func NewSink(sampleRate int) *Sink {
	return &Sink{rate: sampleRate}
}

// Voice is a mock [audio.Voice].
type Voice struct {
	sink    *Sink
	start   time.Duration
	end     time.Duration
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	return v.stopped
}

// SampleRate implements [audio.Sink].
func (s *Sink) SampleRate() int { return s.rate }

// Now implements [audio.Sink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [audio.Sink]. A start in the past is moved to Now.
func (s *Sink) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrSinkClosed
	}
	if s.ScheduleErr != nil {
		return nil, s.ScheduleErr
	}
	start := max(at, s.now)
	d := buf.Duration()
	v := &Voice{sink: s, start: start, end: start + d, onEnded: onEnded}
	s.voices = append(s.voices, v)
	s.history = append(s.history, Scheduled{Start: at, Duration: d, Samples: len(buf.Samples)})
	return v, nil
}

// Advance moves the clock forward by d and fires onEnded for every live voice
// that has finished, outside the sink lock.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*Voice
	for _, v := range s.voices {
		if !v.stopped && !v.ended && v.end <= s.now {
			v.ended = true
			due = append(due, v)
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *Voice) int { return int(a.end - b.end) })
	for _, v := range due {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// History returns a copy of every Schedule call in order.
func (s *Sink) History() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Playing returns the number of voices neither stopped nor finished.
func (s *Sink) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voices {
		if !v.stopped && !v.ended {
			n++
		}
	}
	return n
}

// Close implements [audio.Sink]. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return nil
	}
	s.closed = true
	for _, v := range s.voices {
		v.stopped = true
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure the mocks implement the audio interfaces at compile time.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.Sink          = (*Sink)(nil)
	_ audio.Voice         = (*Voice)(nil)
)
