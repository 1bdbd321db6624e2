// Package playback schedules the model's audio chunks on an [audio.Sink] so
// they play back to back, in arrival order, without gaps or overlaps.
//
// Each chunk starts at max(next start, sink clock) and pushes the next start
// forward by its duration, so network jitter only ever delays playback and
// never reorders or overlaps it. Chunks stay in the active set until the sink
// reports them finished or [Scheduler.Interrupt] stops them.
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/leadvoice/pkg/audio"
)

// ErrDecode is returned (wrapped) by [Scheduler.Schedule] for a chunk that is
// not valid PCM16. The chunk is dropped; the scheduler stays usable.
var ErrDecode = errors.New("playback: decode audio chunk")

// Chunk describes one scheduled buffer.
type Chunk struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the sink clock position at which the chunk finishes.
func (c Chunk) End() time.Duration { return c.Start + c.Duration }

// Scheduler owns the active set and the next start time for one session.
//
// A Scheduler is not safe for concurrent use; the call controller serialises
// access under its own lock. The onEnded callback is invoked from the sink's
// goroutine and must hand the ID back to the owner rather than call
// [Scheduler.Complete] directly.
type Scheduler struct {
	sink      audio.Sink
	inputRate int
	onEnded   func(id uint64)

	next   time.Duration
	seq    uint64
	active map[uint64]audio.Voice
}

// New returns a Scheduler that plays mono PCM16 chunks recorded at inputRate
// on sink, resampling when the rates differ. onEnded receives the ID of every
// chunk that finishes playing on its own.
func New(sink audio.Sink, inputRate int, onEnded func(id uint64)) *Scheduler {
	if onEnded == nil {
		onEnded = func(uint64) {}
	}
	return &Scheduler{
		sink:      sink,
		inputRate: inputRate,
		onEnded:   onEnded,
		active:    make(map[uint64]audio.Voice),
	}
}

// Schedule decodes pcm and queues it right after the previously scheduled
// chunk, or at the current sink time if that has already passed.
func (s *Scheduler) Schedule(pcm []byte) (Chunk, error) {
	if len(pcm) == 0 {
		return Chunk{}, fmt.Errorf("%w: empty chunk", ErrDecode)
	}
	if len(pcm)%2 != 0 {
		return Chunk{}, fmt.Errorf("%w: %w", ErrDecode, audio.ErrOddLength)
	}

	rate := s.sink.SampleRate()
	pcm = audio.ResampleMono16(pcm, s.inputRate, rate)
	samples, err := audio.DecodePCM16(pcm)
	if err != nil || len(samples) == 0 {
		return Chunk{}, fmt.Errorf("%w: %d bytes at %d Hz", ErrDecode, len(pcm), s.inputRate)
	}
	buf := audio.Buffer{Samples: samples, SampleRate: rate}

	start := max(s.next, s.sink.Now())
	s.seq++
	id := s.seq
	voice, err := s.sink.Schedule(buf, start, func() { s.onEnded(id) })
	if err != nil {
		return Chunk{}, fmt.Errorf("playback: schedule chunk: %w", err)
	}

	c := Chunk{ID: id, Start: start, Duration: buf.Duration()}
	s.active[id] = voice
	s.next = c.End()
	return c, nil
}

// Complete removes a finished chunk from the active set. It reports true when
// that removal left the set empty. Unknown IDs, e.g. chunks already stopped by
// Interrupt, are ignored and report false.
func (s *Scheduler) Complete(id uint64) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return len(s.active) == 0
}

// Interrupt stops every active chunk, clears the set and resets the next start
// time to zero. It returns the number of chunks stopped.
func (s *Scheduler) Interrupt() int {
	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	s.next = 0
	return n
}

// Active returns the number of chunks scheduled and not yet finished.
func (s *Scheduler) Active() int { return len(s.active) }

// NextStart returns the earliest start time for the next chunk.
func (s *Scheduler) NextStart() time.Duration { return s.next }
