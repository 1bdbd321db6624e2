package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is returned by [DecodePCM16] when the input is not a whole
// number of int16 samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// EncodePCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Out-of-range and NaN samples are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int32
		switch {
		case math.IsNaN(float64(s)):
			v = 0
		case s >= 1:
			v = 32767
		case s <= -1:
			v = -32768
		default:
			v = int32(s * 32768)
		}
		putSample16(out, i, clamp16(v))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to float samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sample16(pcm, i)) / 32768
	}
	return out, nil
}

// EncodeFrame turns a captured float frame into a wire frame.
func EncodeFrame(f FloatFrame) AudioFrame {
	return AudioFrame{
		Data:       EncodePCM16(f.Samples),
		SampleRate: f.SampleRate,
		Channels:   max(f.Channels, 1),
		Timestamp:  f.Timestamp,
	}
}
