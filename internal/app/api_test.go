package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voicenexus/internal/app"
	"github.com/MrWong99/voicenexus/pkg/audio"
	audiomock "github.com/MrWong99/voicenexus/pkg/audio/mock"
	"github.com/MrWong99/voicenexus/pkg/memory"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
	livemock "github.com/MrWong99/voicenexus/pkg/provider/live/mock"
)

type apiFixture struct {
	srv       *httptest.Server
	transport *livemock.Transport
	mics      *audiomock.MicrophoneSource
	store     *memory.MemStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		transport: &livemock.Transport{AutoOpen: true},
		mics:      &audiomock.MicrophoneSource{},
		store:     memory.NewMemStore(),
	}
	a, err := app.New(context.Background(), testConfig(t, ""), nil,
		app.WithSessionStore(f.store),
		app.WithTransport(f.transport),
		app.WithMicrophones(f.mics),
		app.WithOutput(audiomock.NewOutput()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

type statusBody struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Error      string `json:"error"`
	Transcript []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"transcript"`
}

func TestAPI_SessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/session")
	if code != http.StatusCreated {
		t.Fatalf("POST /v1/session = %d: %s", code, body)
	}
	started := decode[statusBody](t, body)
	if started.State != "active" || started.SessionID == "" {
		t.Fatalf("start status = %+v", started)
	}

	f.transport.LastConn().EmitMessage(live.Message{InputTranscript: "hello there"})
	waitFor(t, "transcript", func() bool {
		_, body := f.do(t, http.MethodGet, "/v1/session")
		return len(decode[statusBody](t, body).Transcript) == 1
	})

	code, body = f.do(t, http.MethodGet, "/v1/session")
	if code != http.StatusOK {
		t.Fatalf("GET /v1/session = %d", code)
	}
	if st := decode[statusBody](t, body); st.Transcript[0].Speaker != "user" || st.Transcript[0].Text != "hello there" {
		t.Errorf("transcript = %+v", st.Transcript)
	}

	code, body = f.do(t, http.MethodDelete, "/v1/session")
	if code != http.StatusOK {
		t.Fatalf("DELETE /v1/session = %d", code)
	}
	if st := decode[statusBody](t, body); st.State != "idle" {
		t.Errorf("state after stop = %q, want idle", st.State)
	}

	code, body = f.do(t, http.MethodGet, "/v1/sessions/"+started.SessionID+"/transcript?format=text")
	if code != http.StatusOK {
		t.Fatalf("GET transcript = %d: %s", code, body)
	}
	if string(body) != "user: hello there\n" {
		t.Errorf("text transcript = %q", body)
	}

	code, body = f.do(t, http.MethodGet, "/v1/sessions")
	if code != http.StatusOK {
		t.Fatalf("GET /v1/sessions = %d", code)
	}
	sessions := decode[[]memory.SessionSummary](t, body)
	if len(sessions) != 1 || sessions[0].ID != started.SessionID {
		t.Errorf("sessions = %+v", sessions)
	}

	code, body = f.do(t, http.MethodGet, "/v1/search?q=HELLO&speaker=user")
	if code != http.StatusOK {
		t.Fatalf("GET /v1/search = %d: %s", code, body)
	}
	if found := decode[[]memory.TranscriptEntry](t, body); len(found) != 1 {
		t.Errorf("search results = %+v", found)
	}
}

func TestAPI_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(f *apiFixture)
		wantCode int
	}{
		{
			name:     "permission denied",
			mutate:   func(f *apiFixture) { f.mics.AcquireErr = audio.ErrPermissionDenied },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "connection error",
			mutate:   func(f *apiFixture) { f.transport.OpenErr = errors.New("503") },
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "microphone unresponsive",
			mutate:   func(f *apiFixture) { f.mics.AcquireErr = context.DeadlineExceeded },
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAPIFixture(t)
			tt.mutate(f)

			code, body := f.do(t, http.MethodPost, "/v1/session")
			if code != tt.wantCode {
				t.Fatalf("POST /v1/session = %d, want %d: %s", code, tt.wantCode, body)
			}
			var resp struct {
				Error  string     `json:"error"`
				Status statusBody `json:"status"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error == "" || resp.Status.State != "idle" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestAPI_BadRequests(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodGet, "/v1/sessions/unknown/transcript", http.StatusNotFound},
		{http.MethodGet, "/v1/sessions?limit=-1", http.StatusBadRequest},
		{http.MethodGet, "/v1/sessions?limit=abc", http.StatusBadRequest},
		{http.MethodGet, "/v1/search", http.StatusBadRequest},
		{http.MethodGet, "/v1/search?q=x&after=yesterday", http.StatusBadRequest},
		{http.MethodPut, "/v1/session", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			code, body := f.do(t, tt.method, tt.path)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d: %s", code, tt.wantCode, body)
			}
		})
	}
}

func TestAPI_DeleteWithoutSession(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	code, body := f.do(t, http.MethodDelete, "/v1/session")
	if code != http.StatusOK {
		t.Fatalf("DELETE = %d", code)
	}
	if st := decode[statusBody](t, body); st.State != "idle" {
		t.Errorf("state = %q", st.State)
	}
}

func TestAPI_OperationalEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		code, body := f.do(t, http.MethodGet, path)
		if code != http.StatusOK {
			t.Errorf("GET %s = %d: %s", path, code, body)
		}
	}
	_, body := f.do(t, http.MethodGet, "/readyz")
	if !strings.Contains(string(body), `"memory":"ok"`) {
		t.Errorf("readyz body = %s", body)
	}
}
