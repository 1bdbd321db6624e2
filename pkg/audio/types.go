package audio

import "time"

// AudioFrame is a chunk of little-endian int16 PCM as it travels over the
// wire to and from a live-audio channel.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are carried alongside.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// FloatFrame is a fixed-length block of float samples in [-1, 1] as produced
// by a microphone. Frames are ephemeral: the consumer must not retain Samples
// after it has handed the frame on.
type FloatFrame struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Timestamp  time.Duration
}

// Buffer is decoded mono audio ready to be scheduled on a [Sink].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// SamplesDuration returns how long n mono samples at rate Hz take to play.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
