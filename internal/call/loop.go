package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/leadvoice/internal/playback"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/audio"
	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
)

// loop is the single consumer of everything that can change a connected
// call. It exits when the session is torn down.
func (c *Controller) loop(s *session, events <-chan s2s.Event, cfg Config) {
	idle := newTimer(cfg.IdleTimeout)
	limit := newTimer(cfg.MaxDuration)
	defer stopTimer(idle)
	defer stopTimer(limit)

	captureDone := s.captureDone
	for {
		select {
		case <-s.done:
			// Release a provider goroutine blocked on a full buffer.
			audio.Drain(events)
			return

		case ev, ok := <-events:
			if !ok {
				c.channelClosed(s, cfg)
				return
			}
			if idle != nil {
				idle.Reset(cfg.IdleTimeout)
			}
			c.handleEvent(s, ev)

		case id := <-s.completions:
			c.handleCompletion(s, id)

		case err := <-captureDone:
			captureDone = nil
			c.captureEnded(s, err)

		case <-timerC(idle):
			slog.Info("call: no activity, hanging up", "session_id", s.id, "timeout", cfg.IdleTimeout)
			c.end(s, MsgIdleTimeout, reasonIdle)

		case <-timerC(limit):
			slog.Info("call: time limit reached, hanging up", "session_id", s.id, "limit", cfg.MaxDuration)
			c.end(s, MsgTimeLimit, reasonTimeLimit)
		}
	}
}

// handleEvent applies one channel event.
func (c *Controller) handleEvent(s *session, ev s2s.Event) {
	var (
		commits []transcript.Message
		closers []func()
		changed = true
	)

	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case s2s.EventAudio:
		changed = c.scheduleLocked(s, ev.Audio)

	case s2s.EventInputTranscript:
		s.asm.AppendInput(ev.Text)

	case s2s.EventOutputTranscript:
		s.asm.AppendOutput(ev.Text)

	case s2s.EventTurnComplete:
		turn := s.asm.CompleteTurn()
		commits = turn.Messages
		if turn.Exit && !c.pending {
			c.pending = true
			c.metrics.ExitPhrases.Add(context.Background(), 1)
			slog.Info("call: exit phrase detected", "session_id", s.id, "phrase", turn.Phrase)
		}
		// No completion callback will arrive if nothing is playing.
		if c.pending && s.sched.Active() == 0 {
			closers = c.teardownLocked(s, "", reasonExitPhrase)
		}

	case s2s.EventInterrupted:
		if n := s.sched.Interrupt(); n > 0 {
			c.metrics.PlaybackInterruptions.Add(context.Background(), 1)
			slog.Debug("call: playback interrupted", "session_id", s.id, "chunks", n)
		}
		if m, ok := s.asm.Interrupt(); ok {
			commits = append(commits, m)
		}
		c.activity = c.quietActivityLocked(s)

	default:
		changed = false
		slog.Debug("call: ignoring channel event", "session_id", s.id, "kind", ev.Kind)
	}
	c.mu.Unlock()

	runAll(closers)
	c.emit(commits)
	if changed {
		c.publish()
	}
}

// scheduleLocked queues one model audio chunk and reports whether the
// observable state changed. A chunk that cannot be decoded is dropped.
func (c *Controller) scheduleLocked(s *session, pcm []byte) bool {
	chunk, err := s.sched.Schedule(pcm)
	switch {
	case errors.Is(err, playback.ErrDecode):
		c.metrics.PlaybackDecodeErrors.Add(context.Background(), 1)
		slog.Warn("call: dropping undecodable audio chunk", "session_id", s.id, "bytes", len(pcm), "err", err)
		return false
	case err != nil:
		slog.Warn("call: failed to schedule audio chunk", "session_id", s.id, "err", err)
		return false
	}
	c.metrics.PlaybackChunks.Add(context.Background(), 1)
	slog.Debug("call: scheduled chunk", "session_id", s.id, "chunk", chunk.ID, "start", chunk.Start, "duration", chunk.Duration)
	if c.activity == ActivitySpeaking {
		return false
	}
	c.activity = ActivitySpeaking
	return true
}

// handleCompletion retires a chunk that finished playing. When the last one
// drains the model stops speaking, and a pending disconnect fires.
func (c *Controller) handleCompletion(s *session, id uint64) {
	c.mu.Lock()
	if s.torn || !s.sched.Complete(id) {
		c.mu.Unlock()
		return
	}
	c.activity = c.quietActivityLocked(s)
	var closers []func()
	if c.pending {
		closers = c.teardownLocked(s, "", reasonExitPhrase)
	}
	c.mu.Unlock()

	runAll(closers)
	c.publish()
}

// captureEnded handles the capture goroutine returning. A nil error means it
// was cancelled or the stream finished; the call carries on either way.
func (c *Controller) captureEnded(s *session, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		return
	}
	slog.Error("call: capture failed", "session_id", s.id, "err", err)
	closers := c.teardownLocked(s, MsgConnectionError, reasonCaptureError)
	c.mu.Unlock()

	runAll(closers)
	c.publish()
}

// channelClosed handles the remote end closing the channel.
func (c *Controller) channelClosed(s *session, cfg Config) {
	err := s.handle.Err()

	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		return
	}
	msg, reason := "", reasonRemoteClose
	if err != nil {
		msg, reason = MsgConnectionError, reasonChannelError
		c.metrics.RecordProviderError(context.Background(), cfg.ProviderName, "runtime")
		slog.Error("call: channel failed", "session_id", s.id, "provider", cfg.ProviderName, "err", err)
	} else {
		slog.Info("call: channel closed by remote", "session_id", s.id)
	}
	closers := c.teardownLocked(s, msg, reason)
	c.mu.Unlock()

	runAll(closers)
	c.publish()
}

// end tears the call down with a user-visible reason.
func (c *Controller) end(s *session, msg, reason string) {
	c.mu.Lock()
	closers := c.teardownLocked(s, msg, reason)
	c.mu.Unlock()

	runAll(closers)
	c.publish()
}

// frameSent is the capture pipeline's frame hook.
func (c *Controller) frameSent(s *session, n int) {
	c.metrics.CaptureFrames.Add(context.Background(), 1)
	if n != 1 {
		return
	}
	c.mu.Lock()
	changed := false
	if !s.torn {
		s.capturing = true
		if c.activity == ActivityIdle {
			c.activity = ActivityListening
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

// quietActivityLocked is the activity of a call whose model is not speaking.
func (c *Controller) quietActivityLocked(s *session) Activity {
	if s.capturing {
		return ActivityListening
	}
	return ActivityIdle
}

func newTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
