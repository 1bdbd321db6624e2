package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/leadvoice/internal/call"
	"github.com/MrWong99/leadvoice/internal/chatlog"
	"github.com/MrWong99/leadvoice/internal/lead"
	"github.com/MrWong99/leadvoice/internal/observe"
	"github.com/MrWong99/leadvoice/pkg/memory"
)

const (
	maxBodyBytes   = 4 << 10
	maxSearchLimit = 500
)

// Status is the JSON view of the call served by GET /api/call and pushed
// on the events websocket.
type Status struct {
	call.State

	Lead lead.Snapshot `json:"lead"`

	// Provider names the backend serving the current or last call.
	Provider string `json:"provider,omitempty"`
}

// status builds the public view of st. Contact tags still streaming into the
// live model text are hidden.
func (a *App) status(st call.State) Status {
	st.Ephemeral.Output = lead.StripTags(st.Ephemeral.Output)
	name := a.providers.S2SName
	if fb, ok := a.providers.S2S.(interface{ Active() string }); ok {
		name = fb.Active()
	}
	return Status{State: st, Lead: a.lead.Snapshot(), Provider: name}
}

type apiError struct {
	Error string `json:"error"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/call", a.handleStatus)
	mux.HandleFunc("POST /api/call/connect", a.handleConnect)
	mux.HandleFunc("POST /api/call/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /api/call/transcript", a.handleTranscript)
	mux.HandleFunc("POST /api/call/requirements", a.handleRequirements)
	mux.HandleFunc("GET /api/call/events", a.handleEvents)
	mux.HandleFunc("GET /api/services", a.handleServices)
	mux.HandleFunc("GET /api/sessions/{id}/history", a.handleHistory)
	mux.HandleFunc("GET /api/chatlog/search", a.handleSearch)

	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return mux
}

// ── Call ─────────────────────────────────────────────────────────────────────

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status(a.ctrl.State()))
}

type connectRequest struct {
	ServiceType string `json:"serviceType"`
}

// handleConnect opens a call. The optional body selects the service line,
// which then also applies to later calls.
func (a *App) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st := lead.ServiceType("")
	if req.ServiceType != "" {
		var err error
		if st, err = lead.ParseServiceType(req.ServiceType); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// The phase check, the service change and Connect happen under connMu so
	// a second request cannot retag a call that is still being set up.
	if !a.connMu.TryLock() {
		writeError(w, http.StatusConflict, call.ErrAlreadyConnected.Error())
		return
	}
	defer a.connMu.Unlock()

	if a.ctrl.State().Phase != call.PhaseDisconnected {
		writeError(w, http.StatusConflict, call.ErrAlreadyConnected.Error())
		return
	}
	if st != "" {
		a.nextService = st
	}
	if a.nextService != a.lead.Snapshot().Service {
		a.lead.SetService(a.nextService)
		a.ctrl.Reconfigure(a.callConfig(a.config(), a.nextService))
	}

	// Setup must not be cut short by the client going away; the connect
	// timeout still bounds it.
	ctx := context.WithoutCancel(r.Context())
	if err := a.ctrl.Connect(ctx); err != nil {
		observe.Logger(r.Context()).Warn("connect failed", "err", err)
		writeError(w, connectStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.status(a.ctrl.State()))
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrAlreadyConnected), errors.Is(err, call.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, call.ErrMicrophone), errors.Is(err, call.ErrSpeaker):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrChannel):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Disconnect()
	writeJSON(w, http.StatusOK, a.status(a.ctrl.State()))
}

type transcriptResponse struct {
	SessionID string          `json:"sessionId"`
	Messages  json.RawMessage `json:"messages"`
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	msgs, err := json.Marshal(a.ctrl.Transcript())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: a.ctrl.State().SessionID,
		Messages:  msgs,
	})
}

// handleRequirements submits the transcript of the current or last call.
// The lead's contact details are cleared after a successful submission.
func (a *App) handleRequirements(w http.ResponseWriter, r *http.Request) {
	if a.requirements == nil {
		writeError(w, http.StatusServiceUnavailable, "requirements webhook is not configured")
		return
	}
	msgs := a.ctrl.Transcript()
	if len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, "there is no transcript to submit")
		return
	}

	snap := a.lead.Snapshot()
	payload := chatlog.RequirementsPayload{
		SessionID:   snap.SessionID,
		ServiceType: string(snap.Service),
		Transcript:  msgs,
		CompanyName: snap.Info.CompanyName,
		Phone:       snap.Info.Phone,
	}
	if err := a.requirements.SubmitRequirements(r.Context(), payload); err != nil {
		observe.Logger(r.Context()).Error("requirements submission failed", "session_id", snap.SessionID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to submit requirements")
		return
	}

	slog.Info("requirements submitted", "session_id", snap.SessionID, "service", snap.Service, "messages", len(msgs))
	a.lead.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"submitted": true, "sessionId": snap.SessionID})
}

type serviceView struct {
	ID    lead.ServiceType `json:"id"`
	Title string           `json:"title"`
}

func (a *App) handleServices(w http.ResponseWriter, _ *http.Request) {
	types := lead.ServiceTypes()
	out := make([]serviceView, len(types))
	for i, st := range types {
		out[i] = serviceView{ID: st, Title: st.Title()}
	}
	writeJSON(w, http.StatusOK, out)
}

// ── Chat log ─────────────────────────────────────────────────────────────────

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "chat-log store is not configured")
		return
	}
	q := r.URL.Query()
	opts := memory.HistoryOpts{Role: q.Get("role")}
	var err error
	if opts.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if opts.After, err = queryTime(q.Get("after")); err != nil {
		writeError(w, http.StatusBadRequest, "after: "+err.Error())
		return
	}

	entries, err := a.store.History(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		observe.Logger(r.Context()).Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "chat-log store is not configured")
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	opts := memory.SearchOpts{SessionID: q.Get("session")}
	if s := q.Get("service"); s != "" {
		st, err := lead.ParseServiceType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.ServiceType = string(st)
	}
	var err error
	if opts.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	opts.Limit = min(opts.Limit, maxSearchLimit)
	if opts.After, err = queryTime(q.Get("after")); err != nil {
		writeError(w, http.StatusBadRequest, "after: "+err.Error())
		return
	}
	if opts.Before, err = queryTime(q.Get("before")); err != nil {
		writeError(w, http.StatusBadRequest, "before: "+err.Error())
		return
	}

	entries, err := a.store.Search(r.Context(), query, opts)
	if err != nil {
		observe.Logger(r.Context()).Error("chat-log search failed", "err", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", v)
	}
	return n, nil
}

func queryTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 time", v)
	}
	return t, nil
}

func nonNil(entries []memory.Entry) []memory.Entry {
	if entries == nil {
		return []memory.Entry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
