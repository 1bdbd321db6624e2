package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/leadvoice/pkg/audio"
)

// sliceDuration is the granularity at which sinks write and check for Stop.
const sliceDuration = 20 * time.Millisecond

// Compile-time interface assertions.
var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Sink    = (*Sink)(nil)
	_ audio.Voice   = (*voice)(nil)
)

// Speaker opens sinks that write PCM16 to a byte stream.
type Speaker struct {
	open     func() (io.WriteCloser, error)
	channels int
	now      func() time.Time
}

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithOutputChannels sets the channel count written to the output. Mono
// buffers are duplicated to stereo when set to 2. Default: 1.
func WithOutputChannels(n int) SpeakerOption {
	return func(s *Speaker) {
		if n == 1 || n == 2 {
			s.channels = n
		}
	}
}

// WithClock overrides the wall clock sinks derive their audio clock from.
func WithClock(now func() time.Time) SpeakerOption {
	return func(s *Speaker) { s.now = now }
}

// NewSpeaker returns a Speaker that calls open to obtain its output.
func NewSpeaker(open func() (io.WriteCloser, error), opts ...SpeakerOption) *Speaker {
	s := &Speaker{open: open, channels: 1, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewFileSpeaker writes to the file or FIFO at path; "-" means stdout.
func NewFileSpeaker(path string, opts ...SpeakerOption) *Speaker {
	return NewSpeaker(func() (io.WriteCloser, error) {
		if path == "-" {
			return nopWriteCloser{os.Stdout}, nil
		}
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	}, opts...)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, sampleRate int) (audio.Sink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("stream: invalid playback rate %d", sampleRate)
	}
	w, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("stream: open playback output: %w", err)
	}
	return &Sink{
		w:        w,
		rate:     sampleRate,
		channels: s.channels,
		now:      s.now,
		epoch:    s.now(),
		voices:   make(map[*voice]struct{}),
	}, nil
}

// Sink writes scheduled buffers to its output in real time. Voices are
// expected not to overlap; overlapping voices are written interleaved, not
// mixed.
type Sink struct {
	w        io.WriteCloser
	rate     int
	channels int
	now      func() time.Time
	epoch    time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	voices   map[*voice]struct{}
	closed   bool
	warnOnce sync.Once
}

// SampleRate implements [audio.Sink].
func (s *Sink) SampleRate() int { return s.rate }

// Now implements [audio.Sink].
func (s *Sink) Now() time.Duration { return s.now().Sub(s.epoch) }

// Schedule implements [audio.Sink]. Each voice is played by its own goroutine.
func (s *Sink) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrSinkClosed
	}
	v := &voice{sink: s, stop: make(chan struct{})}
	s.voices[v] = struct{}{}
	go v.play(buf, at, onEnded)
	return v, nil
}

// Close implements [audio.Sink]. It stops every voice and closes the output.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := s.voices
	s.voices = nil
	s.mu.Unlock()

	for v := range voices {
		v.Stop()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.w.Close()
}

func (s *Sink) forget(v *voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.voices, v)
}

func (s *Sink) write(pcm []byte) {
	if s.channels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	s.writeMu.Lock()
	_, err := s.w.Write(pcm)
	s.writeMu.Unlock()
	if err != nil {
		s.warnOnce.Do(func() {
			slog.Warn("stream: playback write failed", "err", err)
		})
	}
}

// wait sleeps until the sink clock reaches at. It reports false if stop
// closed first.
func (s *Sink) wait(at time.Duration, stop <-chan struct{}) bool {
	d := at - s.Now()
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

type voice struct {
	sink *Sink
	stop chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.stopped {
		v.stopped = true
		close(v.stop)
	}
}

// finish reports whether onEnded may run, i.e. Stop has not been called.
func (v *voice) finish() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.stopped
}

func (v *voice) play(buf audio.Buffer, at time.Duration, onEnded func()) {
	defer v.sink.forget(v)

	start := max(at, v.sink.Now())
	pcm := audio.EncodePCM16(buf.Samples)
	step := max(int(int64(v.sink.rate)*int64(sliceDuration)/int64(time.Second)), 1) * 2

	pos := start
	for off := 0; off < len(pcm); off += step {
		if !v.sink.wait(pos, v.stop) {
			return
		}
		end := min(off+step, len(pcm))
		v.sink.write(pcm[off:end])
		pos += audio.SamplesDuration((end-off)/2, v.sink.rate)
	}
	if !v.sink.wait(start+buf.Duration(), v.stop) {
		return
	}
	if onEnded != nil && v.finish() {
		onEnded()
	}
}
