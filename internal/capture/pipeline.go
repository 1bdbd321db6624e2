// Package capture forwards microphone frames to a live-audio channel.
//
// A [Pipeline] reads fixed-size float frames from an [audio.CaptureStream],
// encodes each one as little-endian PCM16, resamples it to the channel's input
// rate when the two differ and sends it immediately. There is no buffering and
// no backpressure: a frame is sent as soon as it is captured, and nothing
// captured survives the end of [Pipeline.Run].
package capture

import (
	"context"
	"fmt"

	"github.com/MrWong99/leadvoice/pkg/audio"
)

const (
	// DefaultSampleRate is the capture rate requested from the microphone.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096
)

// Sender is the outbound half of a live-audio channel.
type Sender interface {
	SendAudio(pcm []byte) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameHook registers fn to be called after every successful send with
// the running total of frames sent. fn runs on the capture goroutine and must
// not block.
func WithFrameHook(fn func(sent int)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// Pipeline moves audio from one capture stream to one channel.
type Pipeline struct {
	stream  audio.CaptureStream
	dst     Sender
	conv    audio.FormatConverter
	onFrame func(int)
	sent    int
}

// New returns a Pipeline that reads from stream and sends mono PCM16 at
// targetRate to dst.
func New(stream audio.CaptureStream, dst Sender, targetRate int, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:  stream,
		dst:     dst,
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: targetRate, Channels: 1}},
		onFrame: func(int) {},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run forwards frames until ctx is cancelled, the stream ends or a send fails.
//
// Cancellation and a stream closed by its owner return nil. A stream that
// ended on its own returns the stream's error, and a failed send returns that
// error wrapped. Run does not close the stream.
func (p *Pipeline) Run(ctx context.Context) error {
	frames := p.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				if err := p.stream.Err(); err != nil {
					return fmt.Errorf("capture: stream ended: %w", err)
				}
				return nil
			}
			// A frame that raced with cancellation is discarded.
			if ctx.Err() != nil {
				return nil
			}
			if err := p.forward(f); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) forward(f audio.FloatFrame) error {
	if f.SampleRate == 0 {
		f.SampleRate = p.stream.Format().SampleRate
	}
	frame := p.conv.Convert(audio.EncodeFrame(f))
	if len(frame.Data) == 0 {
		return nil
	}
	if err := p.dst.SendAudio(frame.Data); err != nil {
		return fmt.Errorf("capture: send frame %d: %w", p.sent+1, err)
	}
	p.sent++
	p.onFrame(p.sent)
	return nil
}

// Sent returns the number of frames sent so far. It must not be called
// concurrently with Run.
func (p *Pipeline) Sent() int { return p.sent }
