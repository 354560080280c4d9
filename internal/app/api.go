package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicenexus/internal/session"
	"github.com/MrWong99/voicenexus/pkg/memory"
)

// defaultSessionsLimit caps GET /v1/sessions without a limit parameter.
const defaultSessionsLimit = 50

// API serves the HTTP control surface of a [SessionManager].
type API struct {
	sm *SessionManager
}

// NewAPI creates an [API] for sm.
func NewAPI(sm *SessionManager) *API {
	return &API{sm: sm}
}

// Register adds the /v1 routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", a.startSession)
	mux.HandleFunc("DELETE /v1/session", a.stopSession)
	mux.HandleFunc("GET /v1/session", a.sessionStatus)
	mux.HandleFunc("GET /v1/sessions", a.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", a.sessionTranscript)
	mux.HandleFunc("GET /v1/search", a.search)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request) {
	st, err := a.sm.Start(r.Context())
	if err != nil {
		writeJSON(w, startErrorStatus(err), struct {
			errorBody
			Status Status `json:"status"`
		}{errorBody{err.Error()}, st})
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// startErrorStatus maps a session start failure to an HTTP status code.
// Fatal errors blame the microphone or the upstream model; the rest are
// conflicts with another start or stop.
func startErrorStatus(err error) int {
	if !session.IsFatal(err) {
		if errors.Is(err, session.ErrAborted) || errors.Is(err, session.ErrBusy) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	}
	if errors.Is(err, session.ErrPermissionDenied) {
		return http.StatusForbidden
	}
	return http.StatusBadGateway
}

func (a *API) stopSession(w http.ResponseWriter, _ *http.Request) {
	st, err := a.sm.Stop()
	if err != nil {
		// The session is idle regardless; report the release failure.
		st.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sm.Status())
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultSessionsLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
		return
	}
	sessions, err := a.sm.Sessions(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []memory.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) sessionTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := a.sm.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.Speaker)
			b.WriteString(": ")
			b.WriteString(e.Text)
			b.WriteByte('\n')
		}
		_, _ = w.Write([]byte(b.String()))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{"missing query parameter q"})
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
		return
	}
	opts := memory.SearchOpts{
		SessionID: q.Get("session_id"),
		Speaker:   q.Get("speaker"),
		Limit:     limit,
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"after", &opts.After}, {"before", &opts.Before}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{p.name + ": expected RFC 3339 time"})
			return
		}
		*p.dst = t
	}

	entries, err := a.sm.Search(r.Context(), query, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + ": expected a non-negative integer")
	}
	return n, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{err.Error()})
	case errors.Is(err, ErrNoStore):
		writeJSON(w, http.StatusNotImplemented, errorBody{err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
