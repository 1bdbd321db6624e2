package playback_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/leadvoice/internal/playback"
	"github.com/MrWong99/leadvoice/pkg/audio/mock"
)

// silence returns d worth of zeroed mono PCM16 at rate.
func silence(d time.Duration, rate int) []byte {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	return make([]byte, n*2)
}

func newScheduler(rate int) (*playback.Scheduler, *mock.Sink, *[]uint64) {
	sink := mock.NewSink(rate)
	var ended []uint64
	s := playback.New(sink, rate, func(id uint64) { ended = append(ended, id) })
	return s, sink, &ended
}

func TestSchedule_LateChunkQueuesAfterPrevious(t *testing.T) {
	t.Parallel()

	s, sink, _ := newScheduler(24000)

	a, err := s.Schedule(silence(time.Second, 24000))
	if err != nil {
		t.Fatalf("Schedule A: %v", err)
	}
	if a.Start != 0 || a.Duration != time.Second {
		t.Fatalf("A = %+v; want start 0, duration 1s", a)
	}

	sink.Advance(500 * time.Millisecond)

	b, err := s.Schedule(silence(250*time.Millisecond, 24000))
	if err != nil {
		t.Fatalf("Schedule B: %v", err)
	}
	if b.Start != time.Second {
		t.Errorf("B.Start = %v; want 1s (not the 0.5s arrival time)", b.Start)
	}
	if got := s.NextStart(); got != 1250*time.Millisecond {
		t.Errorf("NextStart = %v; want 1.25s", got)
	}
	if s.Active() != 2 {
		t.Errorf("Active = %d; want 2", s.Active())
	}
}

func TestSchedule_IdleGapStartsAtClock(t *testing.T) {
	t.Parallel()

	s, sink, ended := newScheduler(24000)

	a, _ := s.Schedule(silence(100*time.Millisecond, 24000))
	sink.Advance(time.Second)
	if len(*ended) != 1 || (*ended)[0] != a.ID {
		t.Fatalf("ended = %v; want [%d]", *ended, a.ID)
	}
	if !s.Complete(a.ID) {
		t.Error("Complete of the only chunk should report drained")
	}

	b, err := s.Schedule(silence(100*time.Millisecond, 24000))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if b.Start != time.Second {
		t.Errorf("B.Start = %v; want current clock 1s", b.Start)
	}
}

func TestSchedule_JitterNeverOverlaps(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 99))
	s, sink, _ := newScheduler(16000)

	var prev playback.Chunk
	for i := range 200 {
		sink.Advance(time.Duration(rng.IntN(120)) * time.Millisecond)
		d := time.Duration(20+rng.IntN(200)) * time.Millisecond
		now := sink.Now()

		c, err := s.Schedule(silence(d, 16000))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if c.Start < now {
			t.Fatalf("chunk %d starts at %v, before clock %v", i, c.Start, now)
		}
		if i > 0 && c.Start < prev.End() {
			t.Fatalf("chunk %d starts at %v, overlapping previous end %v", i, c.Start, prev.End())
		}
		prev = c
	}
}

func TestSchedule_DecodeErrorKeepsState(t *testing.T) {
	t.Parallel()

	s, sink, _ := newScheduler(24000)
	if _, err := s.Schedule(silence(time.Second, 24000)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	for name, pcm := range map[string][]byte{
		"odd length": {0x01, 0x02, 0x03},
		"empty":      nil,
	} {
		if _, err := s.Schedule(pcm); !errors.Is(err, playback.ErrDecode) {
			t.Errorf("%s: err = %v; want ErrDecode", name, err)
		}
	}
	if s.Active() != 1 || s.NextStart() != time.Second {
		t.Errorf("state changed by bad chunks: active %d, next %v", s.Active(), s.NextStart())
	}
	if n := len(sink.History()); n != 1 {
		t.Errorf("sink saw %d schedules; want 1", n)
	}
}

func TestSchedule_ResamplesToSinkRate(t *testing.T) {
	t.Parallel()

	sink := mock.NewSink(48000)
	s := playback.New(sink, 24000, nil)

	c, err := s.Schedule(silence(100*time.Millisecond, 24000))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if c.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v; want 100ms", c.Duration)
	}
	h := sink.History()
	if len(h) != 1 || h[0].Samples != 4800 {
		t.Errorf("history = %+v; want one buffer of 4800 samples", h)
	}
}

func TestSchedule_SinkErrorIsNotDecodeError(t *testing.T) {
	t.Parallel()

	s, sink, _ := newScheduler(24000)
	sink.ScheduleErr = errors.New("device gone")

	_, err := s.Schedule(silence(10*time.Millisecond, 24000))
	if err == nil || errors.Is(err, playback.ErrDecode) {
		t.Fatalf("err = %v; want a non-decode scheduling error", err)
	}
	if s.Active() != 0 || s.NextStart() != 0 {
		t.Errorf("failed schedule changed state: active %d, next %v", s.Active(), s.NextStart())
	}
}

func TestComplete_ReportsDrain(t *testing.T) {
	t.Parallel()

	s, sink, ended := newScheduler(24000)
	a, _ := s.Schedule(silence(100*time.Millisecond, 24000))
	b, _ := s.Schedule(silence(100*time.Millisecond, 24000))

	sink.Advance(200 * time.Millisecond)
	if len(*ended) != 2 || (*ended)[0] != a.ID || (*ended)[1] != b.ID {
		t.Fatalf("ended = %v; want [%d %d] in order", *ended, a.ID, b.ID)
	}
	if s.Complete(a.ID) {
		t.Error("Complete(A) reported drained with B still active")
	}
	if !s.Complete(b.ID) {
		t.Error("Complete(B) should report drained")
	}
	if s.Complete(b.ID) {
		t.Error("second Complete(B) should be ignored")
	}
}

func TestInterrupt_ClearsActiveSet(t *testing.T) {
	t.Parallel()

	s, sink, ended := newScheduler(24000)
	var ids []uint64
	for range 3 {
		c, _ := s.Schedule(silence(time.Second, 24000))
		ids = append(ids, c.ID)
	}

	if n := s.Interrupt(); n != 3 {
		t.Errorf("Interrupt = %d; want 3", n)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d; want 0", s.Active())
	}
	if s.NextStart() != 0 {
		t.Errorf("NextStart = %v; want 0", s.NextStart())
	}
	if sink.Playing() != 0 {
		t.Errorf("sink still playing %d voices", sink.Playing())
	}

	sink.Advance(5 * time.Second)
	if len(*ended) != 0 {
		t.Errorf("stopped chunks reported end: %v", *ended)
	}
	for _, id := range ids {
		if s.Complete(id) {
			t.Errorf("Complete(%d) after interrupt should be ignored", id)
		}
	}

	// After an interruption the next chunk starts at the clock, not at zero.
	c, _ := s.Schedule(silence(10*time.Millisecond, 24000))
	if c.Start != 5*time.Second {
		t.Errorf("post-interrupt start = %v; want 5s", c.Start)
	}
}
