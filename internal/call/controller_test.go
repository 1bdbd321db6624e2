package call_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/leadvoice/internal/call"
	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/internal/transcript"
	"github.com/MrWong99/leadvoice/pkg/audio"
	audiomock "github.com/MrWong99/leadvoice/pkg/audio/mock"
	s2smock "github.com/MrWong99/leadvoice/pkg/provider/s2s/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	ctrl    *call.Controller
	prov    *s2smock.Provider
	mic     *audiomock.Microphone
	spk     *audiomock.Speaker
	reader  *sdkmetric.ManualReader
	commits chan transcript.Message

	mu     sync.Mutex
	states []call.State
}

func newHarness(t *testing.T, cfg call.Config, opts ...call.Option) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		prov:    &s2smock.Provider{},
		mic:     &audiomock.Microphone{},
		spk:     &audiomock.Speaker{},
		reader:  reader,
		commits: make(chan transcript.Message, 64),
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "mock"
	}
	opts = append([]call.Option{
		call.WithMetrics(m),
		call.WithCommitHandler(func(msg transcript.Message) { h.commits <- msg }),
		call.WithStateHandler(func(st call.State) {
			h.mu.Lock()
			h.states = append(h.states, st)
			h.mu.Unlock()
		}),
	}, opts...)
	h.ctrl = call.New(h.prov, h.mic, h.spk, cfg, opts...)
	t.Cleanup(h.ctrl.Disconnect)
	return h
}

// connect opens a call and returns its scripted channel.
func (h *harness) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.prov.LastSession()
	if sess == nil {
		t.Fatal("provider created no session")
	}
	return sess
}

func (h *harness) nextCommit(t *testing.T) transcript.Message {
	t.Helper()
	select {
	case m := <-h.commits:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for committed message")
		return transcript.Message{}
	}
}

func (h *harness) noCommit(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.commits:
		t.Fatalf("unexpected commit %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) sawPhase(p call.Phase) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if st.Phase == p {
			return true
		}
	}
	return false
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// pcm returns d of silent model audio at 24 kHz.
func pcm(d time.Duration) []byte {
	return make([]byte, int(24000*d/time.Second)*2)
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_FramesThenTurnCommitsOneUserMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)

	st := h.ctrl.State()
	if !st.Connected || st.Phase != call.PhaseConnected || st.Activity != call.ActivityIdle {
		t.Fatalf("state after connect = %+v", st)
	}

	stream := h.mic.Stream()
	if stream.FrameSize != 4096 {
		t.Errorf("frame size = %d; want 4096", stream.FrameSize)
	}
	for range 3 {
		stream.PushSilence()
	}
	waitFor(t, "3 frames sent", func() bool { return sess.AudioSent() == 3 })
	waitFor(t, "listening", func() bool { return h.ctrl.State().Listening })

	sess.EmitInput("I need a ")
	sess.EmitInput("new website")
	waitFor(t, "ephemeral input", func() bool {
		return h.ctrl.State().Ephemeral.Input == "I need a new website"
	})

	sess.EmitTurnComplete()
	m := h.nextCommit(t)
	if m.Role != transcript.RoleUser || m.Text != "I need a new website" {
		t.Errorf("commit = %+v", m)
	}
	h.noCommit(t)

	st = h.ctrl.State()
	if st.Ephemeral.Input != "" || st.Ephemeral.Output != "" {
		t.Errorf("ephemeral after turn = %+v; want empty", st.Ephemeral)
	}
	if !st.Connected || st.PendingDisconnect {
		t.Errorf("state after turn = %+v", st)
	}
	if got := h.ctrl.Transcript(); len(got) != 1 || got[0].ID != m.ID {
		t.Errorf("Transcript = %+v", got)
	}
}

func TestConnect_PassesSessionConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	cfg := h.ctrl.Config()
	cfg.Session.Voice = "Puck"
	cfg.Session.Instructions = "Ask for the company name first."
	h.ctrl.Reconfigure(cfg)
	h.connect(t)

	got := h.prov.ConnectCalls[0].Cfg
	if got.Voice != "Puck" || got.Instructions != "Ask for the company name first." {
		t.Errorf("session config = %+v", got)
	}
	if h.spk.Sink().SampleRate() != 24000 {
		t.Errorf("sink rate = %d; want provider output rate 24000", h.spk.Sink().SampleRate())
	}
	if !h.sawPhase(call.PhaseConnecting) || !h.sawPhase(call.PhaseConnected) {
		t.Error("state handler did not observe connecting and connected")
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.connect(t)
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, call.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v; want ErrAlreadyConnected", err)
	}
	if h.prov.Calls() != 1 {
		t.Errorf("provider Connect called %d times; want 1", h.prov.Calls())
	}
}

func TestConnect_MicrophoneDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.mic.OpenErr = audio.ErrPermissionDenied

	err := h.ctrl.Connect(context.Background())
	if !errors.Is(err, call.ErrMicrophone) || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Connect = %v; want ErrMicrophone wrapping ErrPermissionDenied", err)
	}
	st := h.ctrl.State()
	if st.Phase != call.PhaseDisconnected || st.Error != call.MsgSetupFailed {
		t.Errorf("state = %+v", st)
	}
	if h.prov.Calls() != 0 || h.spk.OpenCalls != 0 {
		t.Errorf("later resources acquired: provider %d, speaker %d", h.prov.Calls(), h.spk.OpenCalls)
	}
}

func TestConnect_ChannelErrorReleasesResources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.prov.ConnectErr = errors.New("401 unauthorized")

	err := h.ctrl.Connect(context.Background())
	if !errors.Is(err, call.ErrChannel) {
		t.Fatalf("Connect = %v; want ErrChannel", err)
	}
	if !h.mic.Stream().Closed() {
		t.Error("microphone left open")
	}
	if !h.spk.Sink().Closed() {
		t.Error("sink left open")
	}
	if st := h.ctrl.State(); st.Error != call.MsgSetupFailed || st.Connected {
		t.Errorf("state = %+v", st)
	}
	if got := h.counter(t, "leadvoice.provider.errors"); got != 1 {
		t.Errorf("provider errors = %d; want 1", got)
	}

	// A retry after fixing the problem succeeds and clears the error.
	h.prov.ConnectErr = nil
	h.connect(t)
	if st := h.ctrl.State(); st.Error != "" || !st.Connected {
		t.Errorf("state after retry = %+v", st)
	}
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{ConnectTimeout: 50 * time.Millisecond})
	h.prov.Block = make(chan struct{})

	err := h.ctrl.Connect(context.Background())
	if !errors.Is(err, call.ErrChannel) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect = %v; want ErrChannel wrapping DeadlineExceeded", err)
	}
	if st := h.ctrl.State(); st.Error != call.MsgSetupFailed {
		t.Errorf("Error = %q", st.Error)
	}
}

func TestDisconnect_DuringConnectAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.prov.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Connect(context.Background()) }()
	waitFor(t, "provider dial", func() bool { return h.prov.Calls() == 1 })
	if st := h.ctrl.State(); st.Phase != call.PhaseConnecting {
		t.Fatalf("phase = %v; want connecting", st.Phase)
	}

	h.ctrl.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, call.ErrAborted) {
			t.Errorf("Connect = %v; want ErrAborted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if !h.mic.Stream().Closed() || !h.spk.Sink().Closed() {
		t.Error("resources acquired before abort were not released")
	}
	if st := h.ctrl.State(); st.Phase != call.PhaseDisconnected || st.Error != "" {
		t.Errorf("state = %+v", st)
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	initial := h.ctrl.State()
	h.ctrl.Disconnect()
	h.ctrl.Disconnect()
	if got := h.ctrl.State(); got != initial {
		t.Errorf("never-connected state changed: %+v -> %+v", initial, got)
	}

	sess := h.connect(t)
	h.ctrl.Disconnect()
	first := h.ctrl.State()
	h.ctrl.Disconnect()
	if got := h.ctrl.State(); got != first {
		t.Errorf("second Disconnect changed state: %+v -> %+v", first, got)
	}
	if first.Phase != call.PhaseDisconnected || first.Error != "" || first.PendingDisconnect {
		t.Errorf("terminal state = %+v", first)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("channel closed %d times; want 1", sess.CloseCallCount)
	}
	if !h.mic.Stream().Closed() || !h.spk.Sink().Closed() {
		t.Error("microphone or sink left open")
	}
	if got := h.counter(t, "leadvoice.active_calls"); got != 0 {
		t.Errorf("active calls = %d; want 0", got)
	}
}

func TestDisconnect_StopsPlaybackSynchronously(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	sink := h.spk.Sink()

	sess.EmitAudio(pcm(time.Second))
	sess.EmitAudio(pcm(time.Second))
	waitFor(t, "two chunks playing", func() bool { return sink.Playing() == 2 })

	h.ctrl.Disconnect()
	if n := sink.Playing(); n != 0 {
		t.Errorf("%d chunks still playing after Disconnect", n)
	}
}

func TestDisconnect_FromCommitHandler(t *testing.T) {
	t.Parallel()

	var ctrl *call.Controller
	done := make(chan struct{})
	h := newHarness(t, call.Config{}, call.WithCommitHandler(func(transcript.Message) {
		ctrl.Disconnect()
		close(done)
	}))
	ctrl = h.ctrl
	sess := h.connect(t)

	sess.EmitInput("hang up please")
	sess.EmitTurnComplete()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("commit handler never ran")
	}
	waitFor(t, "disconnected", func() bool { return !h.ctrl.State().Connected })
}

func TestTranscript_SurvivesDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	id := h.ctrl.State().SessionID

	sess.EmitInput("App for my bakery")
	sess.EmitOutput("Great, what's the company name?")
	sess.EmitTurnComplete()
	h.nextCommit(t)
	h.nextCommit(t)
	h.ctrl.Disconnect()

	if got := h.ctrl.Transcript(); len(got) != 2 {
		t.Fatalf("Transcript after disconnect has %d messages; want 2", len(got))
	}
	if h.ctrl.State().SessionID != id {
		t.Error("session id not kept after disconnect")
	}

	h.connect(t)
	if got := h.ctrl.Transcript(); len(got) != 0 {
		t.Errorf("new call inherited %d messages", len(got))
	}
	if h.ctrl.State().SessionID == id {
		t.Error("new call reused the session id")
	}
}

// ── Exit phrases ──────────────────────────────────────────────────────────────

func TestExitPhrase_WaitsForPlaybackToDrain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	sink := h.spk.Sink()

	sess.EmitAudio(pcm(time.Second))
	waitFor(t, "speaking", func() bool { return h.ctrl.State().Speaking })

	sess.EmitInput("Ok, Thank You!")
	sess.EmitOutput("Goodbye, we'll be in touch.")
	sess.EmitTurnComplete()
	h.nextCommit(t)
	h.nextCommit(t)

	st := h.ctrl.State()
	if !st.PendingDisconnect || !st.Connected {
		t.Fatalf("state after exit phrase = %+v; want connected with pending disconnect", st)
	}

	sink.Advance(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !h.ctrl.State().Connected {
		t.Fatal("disconnected before the closing reply finished playing")
	}

	sink.Advance(600 * time.Millisecond)
	waitFor(t, "disconnect after drain", func() bool { return !h.ctrl.State().Connected })

	st = h.ctrl.State()
	if st.Error != "" || st.PendingDisconnect {
		t.Errorf("terminal state = %+v", st)
	}
	if !sess.Closed() {
		t.Error("channel not closed")
	}
	if got := h.counter(t, "leadvoice.exit_phrases"); got != 1 {
		t.Errorf("exit phrase counter = %d; want 1", got)
	}
}

func TestExitPhrase_ImmediateWhenNothingPlaying(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)

	sess.EmitInput("bye")
	sess.EmitTurnComplete()

	if m := h.nextCommit(t); m.Text != "bye" {
		t.Errorf("commit = %+v", m)
	}
	waitFor(t, "disconnect", func() bool { return !h.ctrl.State().Connected })
	if st := h.ctrl.State(); st.Error != "" {
		t.Errorf("Error = %q; want empty", st.Error)
	}
}

func TestExitPhrase_InterruptKeepsPendingUntilNextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	sink := h.spk.Sink()

	sess.EmitAudio(pcm(time.Second))
	waitFor(t, "speaking", func() bool { return h.ctrl.State().Speaking })

	sess.EmitInput("thanks")
	sess.EmitTurnComplete()
	h.nextCommit(t)
	if st := h.ctrl.State(); !st.PendingDisconnect || !st.Connected {
		t.Fatalf("state after exit phrase = %+v; want connected with pending disconnect", st)
	}

	sess.EmitInterrupted()
	waitFor(t, "playback cleared", func() bool { return sink.Playing() == 0 && !h.ctrl.State().Speaking })
	time.Sleep(20 * time.Millisecond)

	st := h.ctrl.State()
	if !st.Connected || !st.PendingDisconnect {
		t.Fatalf("state after interrupt = %+v; want connected with pending disconnect", st)
	}
	if sess.Closed() {
		t.Fatal("channel closed by the interruption")
	}

	sess.EmitTurnComplete()
	waitFor(t, "disconnect at next turn", func() bool { return !h.ctrl.State().Connected })

	st = h.ctrl.State()
	if st.PendingDisconnect || st.Error != "" {
		t.Errorf("terminal state = %+v", st)
	}
	if !sess.Closed() {
		t.Error("channel not closed")
	}
}

func TestExitPhrase_Disabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{ExitPhrases: []string{}})
	sess := h.connect(t)

	sess.EmitInput("bye")
	sess.EmitTurnComplete()
	h.nextCommit(t)

	if st := h.ctrl.State(); !st.Connected || st.PendingDisconnect {
		t.Errorf("state = %+v; want connected without pending disconnect", st)
	}
}

// ── Playback ──────────────────────────────────────────────────────────────────

func TestInterrupt_TruncatesPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	sink := h.spk.Sink()

	for range 3 {
		sess.EmitAudio(pcm(time.Second))
	}
	sess.EmitOutput("Our web packages start at")
	waitFor(t, "three chunks playing", func() bool { return sink.Playing() == 3 })

	sess.EmitInterrupted()
	m := h.nextCommit(t)
	if m.Role != transcript.RoleModel || m.Text != "Our web packages start at ..." {
		t.Errorf("commit = %+v", m)
	}

	st := h.ctrl.State()
	if st.Speaking || !st.Connected || st.Ephemeral.Output != "" {
		t.Errorf("state after interrupt = %+v", st)
	}
	if sink.Playing() != 0 {
		t.Errorf("%d chunks still playing", sink.Playing())
	}

	// The next chunk starts at the clock, not after the discarded audio.
	sink.Advance(200 * time.Millisecond)
	sess.EmitAudio(pcm(100 * time.Millisecond))
	waitFor(t, "new chunk", func() bool { return len(sink.History()) == 4 })
	if got := sink.History()[3].Start; got != 200*time.Millisecond {
		t.Errorf("post-interrupt start = %v; want 200ms", got)
	}
	if got := h.counter(t, "leadvoice.playback.interruptions"); got != 1 {
		t.Errorf("interruptions = %d; want 1", got)
	}
}

func TestPlayback_BackToBackAndSpeakingFlag(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)
	sink := h.spk.Sink()

	sess.EmitAudio(pcm(time.Second))
	waitFor(t, "first chunk", func() bool { return len(sink.History()) == 1 })
	sink.Advance(500 * time.Millisecond)
	sess.EmitAudio(pcm(time.Second))
	waitFor(t, "second chunk", func() bool { return len(sink.History()) == 2 })

	if got := sink.History()[1].Start; got != time.Second {
		t.Errorf("late chunk start = %v; want 1s", got)
	}
	if !h.ctrl.State().Speaking {
		t.Error("not speaking with audio scheduled")
	}

	sink.Advance(2 * time.Second)
	waitFor(t, "speaking off", func() bool { return !h.ctrl.State().Speaking })
	if !h.ctrl.State().Connected {
		t.Error("drain without pending disconnect ended the call")
	}
}

func TestPlayback_DecodeErrorKeepsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)

	sess.EmitAudio([]byte{0x01, 0x02, 0x03})
	sess.EmitInput("still there?")
	sess.EmitTurnComplete()
	h.nextCommit(t)

	if !h.ctrl.State().Connected {
		t.Error("bad chunk ended the call")
	}
	if got := h.counter(t, "leadvoice.playback.decode_errors"); got != 1 {
		t.Errorf("decode errors = %d; want 1", got)
	}
}

// ── Remote end and failures ───────────────────────────────────────────────────

func TestRemote_ErrorDisconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)

	sess.End(errors.New("gemini: server error 500: internal"))
	waitFor(t, "disconnect", func() bool { return !h.ctrl.State().Connected })

	if st := h.ctrl.State(); st.Error != call.MsgConnectionError {
		t.Errorf("Error = %q; want %q", st.Error, call.MsgConnectionError)
	}
	if !h.mic.Stream().Closed() {
		t.Error("microphone left open")
	}
	if h.prov.Calls() != 1 {
		t.Error("controller reconnected on its own")
	}
}

func TestRemote_CleanCloseDisconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	sess := h.connect(t)

	sess.End(nil)
	waitFor(t, "disconnect", func() bool { return !h.ctrl.State().Connected })
	if st := h.ctrl.State(); st.Error != "" {
		t.Errorf("Error = %q; want empty", st.Error)
	}
}

func TestCapture_SendErrorDisconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	broken := s2smock.NewSession()
	broken.SendAudioErr = errors.New("broken pipe")
	h.prov.Session = broken
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.mic.Stream().PushSilence()
	waitFor(t, "disconnect", func() bool { return !h.ctrl.State().Connected })
	if st := h.ctrl.State(); st.Error != call.MsgConnectionError {
		t.Errorf("Error = %q; want %q", st.Error, call.MsgConnectionError)
	}
}

func TestTimeout_Idle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{IdleTimeout: 50 * time.Millisecond})
	h.connect(t)

	waitFor(t, "idle hang-up", func() bool { return !h.ctrl.State().Connected })
	if st := h.ctrl.State(); st.Error != call.MsgIdleTimeout {
		t.Errorf("Error = %q; want %q", st.Error, call.MsgIdleTimeout)
	}
}

func TestTimeout_MaxDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{IdleTimeout: -1, MaxDuration: 80 * time.Millisecond})
	sess := h.connect(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				sess.EmitInput(".")
			}
		}
	}()

	waitFor(t, "time limit hang-up", func() bool { return !h.ctrl.State().Connected })
	if st := h.ctrl.State(); st.Error != call.MsgTimeLimit {
		t.Errorf("Error = %q; want %q", st.Error, call.MsgTimeLimit)
	}
}

// ── Filtering ─────────────────────────────────────────────────────────────────

func TestCommitFilter_AppliesBeforePublishing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{}, call.WithCommitFilter(func(r transcript.Role, s string) string {
		if r != transcript.RoleModel {
			return s
		}
		if i := strings.Index(s, "[["); i >= 0 {
			return s[:i]
		}
		return s
	}))
	sess := h.connect(t)

	sess.EmitOutput(`Thanks, noted. [[UPDATE_INFO: {"phone": "555"}]]`)
	sess.EmitTurnComplete()

	if m := h.nextCommit(t); m.Text != "Thanks, noted." {
		t.Errorf("commit text = %q", m.Text)
	}
	if got := h.ctrl.Transcript(); got[0].Text != "Thanks, noted." {
		t.Errorf("stored text = %q", got[0].Text)
	}
}
