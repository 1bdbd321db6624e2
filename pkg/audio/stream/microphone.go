// Package stream implements the audio device interfaces on top of byte
// streams: a [Microphone] that reads raw samples from a pipe, file or stdin
// (e.g. the output of `arecord -t raw`), and a [Speaker] whose sinks write
// real-time paced PCM16 to a pipe, file or stdout (e.g. into `aplay`).
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/leadvoice/pkg/audio"
)

// Encoding is the sample encoding of a raw stream.
type Encoding string

const (
	// EncodingPCM16 is little-endian signed 16-bit integer samples.
	EncodingPCM16 Encoding = "s16le"

	// EncodingFloat32 is little-endian IEEE-754 float samples in [-1, 1].
	EncodingFloat32 Encoding = "f32le"
)

// IsValid reports whether e is a supported encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM16 || e == EncodingFloat32
}

func (e Encoding) bytesPerSample() int {
	if e == EncodingFloat32 {
		return 4
	}
	return 2
}

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

// Microphone reads fixed-size frames from a byte stream. The source is
// opened on every [Microphone.Open] so a FIFO can be re-attached per call.
type Microphone struct {
	open     func() (io.ReadCloser, error)
	encoding Encoding
	channels int
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithEncoding sets the sample encoding of the source. Default: s16le.
func WithEncoding(e Encoding) MicOption {
	return func(m *Microphone) { m.encoding = e }
}

// WithChannels sets the channel count of the source. Stereo input is mixed
// down to mono. Default: 1.
func WithChannels(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.channels = n
		}
	}
}

// NewMicrophone returns a Microphone that calls open to obtain its source.
func NewMicrophone(open func() (io.ReadCloser, error), opts ...MicOption) *Microphone {
	m := &Microphone{open: open, encoding: EncodingPCM16, channels: 1}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewFileMicrophone reads from the file or FIFO at path; "-" means stdin.
// A permission error on open is reported as [audio.ErrPermissionDenied].
func NewFileMicrophone(path string, opts ...MicOption) *Microphone {
	return NewMicrophone(func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		f, err := os.Open(path)
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
		}
		return f, err
	}, opts...)
}

// Open starts a reader goroutine delivering frames of frameSize samples. The
// source is assumed to already run at sampleRate; no resampling happens here.
func (m *Microphone) Open(_ context.Context, sampleRate, frameSize int) (audio.CaptureStream, error) {
	if frameSize <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("stream: invalid capture format %d samples at %d Hz", frameSize, sampleRate)
	}
	if !m.encoding.IsValid() {
		return nil, fmt.Errorf("stream: unsupported encoding %q", m.encoding)
	}
	src, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("stream: open capture source: %w", err)
	}

	cs := &captureStream{
		src:       src,
		frames:    make(chan audio.FloatFrame, 4),
		done:      make(chan struct{}),
		format:    audio.Format{SampleRate: sampleRate, Channels: 1},
		encoding:  m.encoding,
		channels:  m.channels,
		frameSize: frameSize,
	}
	go cs.readLoop()
	return cs, nil
}

type captureStream struct {
	src       io.ReadCloser
	frames    chan audio.FloatFrame
	done      chan struct{}
	format    audio.Format
	encoding  Encoding
	channels  int
	frameSize int

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// readLoop owns frames and closes it when it exits.
func (s *captureStream) readLoop() {
	defer close(s.frames)

	buf := make([]byte, s.frameSize*s.channels*s.encoding.bytesPerSample())
	var pos time.Duration
	for {
		if _, err := io.ReadFull(s.src, buf); err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.setErr(fmt.Errorf("stream: read capture source: %w", err))
				}
			}
			return
		}

		frame := audio.FloatFrame{
			Samples:    s.decode(buf),
			SampleRate: s.format.SampleRate,
			Channels:   1,
			Timestamp:  pos,
		}
		pos += audio.SamplesDuration(s.frameSize, s.format.SampleRate)

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// decode converts one raw frame to mono float samples.
func (s *captureStream) decode(raw []byte) []float32 {
	bps := s.encoding.bytesPerSample()
	out := make([]float32, s.frameSize)
	for i := range out {
		var sum float32
		for ch := range s.channels {
			off := (i*s.channels + ch) * bps
			if s.encoding == EncodingFloat32 {
				sum += math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			} else {
				sum += float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / 32768
			}
		}
		out[i] = sum / float32(s.channels)
	}
	return out
}

func (s *captureStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *captureStream) Frames() <-chan audio.FloatFrame { return s.frames }
func (s *captureStream) Format() audio.Format            { return s.format }

func (s *captureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the reader and closes the source. Idempotent.
func (s *captureStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.src.Close()
	})
	return err
}
