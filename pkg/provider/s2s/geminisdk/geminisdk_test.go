package geminisdk_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/leadvoice/pkg/provider/s2s"
	"github.com/MrWong99/leadvoice/pkg/provider/s2s/geminisdk"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

func newProvider(t *testing.T, srv *httptest.Server, opts ...geminisdk.Option) *geminisdk.Provider {
	t.Helper()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	opts = append([]geminisdk.Option{geminisdk.WithBaseURL(base)}, opts...)
	p, err := geminisdk.New(context.Background(), "sdk-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func drain(t *testing.T, handle s2s.SessionHandle) []s2s.Event {
	t.Helper()
	var got []s2s.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timeout waiting for Events channel to close")
		}
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndWaitsForAck(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model             string `json:"model"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}
	received := make(chan setupMsg, 1)
	requests := make(chan *http.Request, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		requests <- r
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(t, srv, geminisdk.WithModel("live-test"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:        "Puck",
		Instructions: "You are a friendly intake assistant.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	r := <-requests
	if got := r.Header.Get("x-goog-api-key"); got != "sdk-key" {
		t.Errorf("x-goog-api-key = %q; want sdk-key", got)
	}
	if !strings.HasSuffix(r.URL.Path, "GenerativeService.BidiGenerateContent") {
		t.Errorf("path = %q; want BidiGenerateContent endpoint", r.URL.Path)
	}

	msg := <-received
	if msg.Setup.Model != "models/live-test" {
		t.Errorf("model = %q; want models/live-test", msg.Setup.Model)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "You are a friendly intake assistant." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
}

func TestConnect_TimesOutWithoutSetupComplete(t *testing.T) {
	t.Parallel()

	// Swallow the setup frame and anything after it without answering.
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := newProvider(t, srv).Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v; want deadline exceeded", err)
	}
}

func TestEvents_ServerContentInOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x11, 0x22, 0x33, 0x44}

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "goodbye"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					}},
				},
				"outputTranscription": map[string]any{"text": "Bye!"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	})

	handle, err := newProvider(t, srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := drain(t, handle)
	want := []s2s.EventKind{
		s2s.EventInputTranscript,
		s2s.EventAudio,
		s2s.EventOutputTranscript,
		s2s.EventInterrupted,
		s2s.EventTurnComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v; want %d", len(got), got, len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event[%d] = %v; want %v", i, got[i].Kind, k)
		}
	}
	if string(got[1].Audio) != string(pcm) {
		t.Errorf("audio = %v; want %v", got[1].Audio, pcm)
	}
	if got[0].Text != "goodbye" || got[2].Text != "Bye!" {
		t.Errorf("transcripts = %q / %q", got[0].Text, got[2].Text)
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err after normal close = %v; want nil", err)
	}
}

func TestEvents_ServerErrorSetsErr(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "quota"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(t, srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	drain(t, handle)
	if handle.Err() == nil {
		t.Error("Err should be set after a server error message")
	}
}

func TestSendAudio_WritesRealtimeInput(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(t, srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case msg := <-got:
		if _, ok := msg["realtimeInput"]; !ok {
			t.Errorf("message = %v; want realtimeInput", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestClose_IdempotentAndRejectsSends(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(t, srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()
	if err := handle.Close(); err != nil {
		t.Errorf("second Close = %v; want nil", err)
	}
	drain(t, handle)
	if err := handle.Err(); err != nil {
		t.Errorf("Err after Close = %v; want nil", err)
	}
	if err := handle.SendAudio([]byte{1}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
	if err := handle.SendText("x"); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v; want ErrSessionClosed", err)
	}
}
