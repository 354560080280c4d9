package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/MrWong99/voicenexus/internal/app"
	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/internal/session"
	"github.com/MrWong99/voicenexus/pkg/audio"
	audiomock "github.com/MrWong99/voicenexus/pkg/audio/mock"
	"github.com/MrWong99/voicenexus/pkg/memory"
	memorymock "github.com/MrWong99/voicenexus/pkg/memory/mock"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
	livemock "github.com/MrWong99/voicenexus/pkg/provider/live/mock"
)

type managerFixture struct {
	sm        *app.SessionManager
	transport *livemock.Transport
	mics      *audiomock.MicrophoneSource
	store     *memory.MemStore
	writer    *memory.Writer
}

func newManager(t *testing.T, cfg *config.Config, mutate func(*app.SessionManagerConfig)) *managerFixture {
	t.Helper()
	f := &managerFixture{
		transport: &livemock.Transport{AutoOpen: true},
		mics:      &audiomock.MicrophoneSource{},
		store:     memory.NewMemStore(),
	}
	f.writer = memory.NewWriter(f.store)
	t.Cleanup(func() { _ = f.writer.Close(context.Background()) })

	mc := app.SessionManagerConfig{
		Config:      func() *config.Config { return cfg },
		Transport:   f.transport,
		Microphones: f.mics,
		Output:      audiomock.NewOutput(),
		Writer:      f.writer,
		Store:       f.store,
		Metrics:     testMetrics(t),
	}
	if mutate != nil {
		mutate(&mc)
	}
	f.sm = app.NewSessionManager(mc)
	t.Cleanup(func() { _ = f.sm.Close() })
	return f
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	f := newManager(t, testConfig(t, ""), nil)

	st, err := f.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if st.State != session.StateActive {
		t.Errorf("State = %v, want active", st.State)
	}
	if _, err := uuid.Parse(st.SessionID); err != nil {
		t.Errorf("SessionID %q is not a UUID: %v", st.SessionID, err)
	}
	if st.Transport != "mock" {
		t.Errorf("Transport = %q, want mock", st.Transport)
	}
	if st.StartedAt == nil {
		t.Error("StartedAt should be set while active")
	}
	if st.Stats == nil {
		t.Error("Stats should be set while active")
	}
	if got := f.sm.Status(); got.SessionID != st.SessionID || got.State != session.StateActive {
		t.Errorf("Status() = %+v", got)
	}

	stopped, err := f.sm.Stop()
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if stopped.State != session.StateIdle {
		t.Errorf("State after Stop = %v, want idle", stopped.State)
	}
	if !f.transport.LastConn().Closed() {
		t.Error("connection should be closed after Stop")
	}
	if !f.mics.Last().Released() {
		t.Error("microphone should be released after Stop")
	}

	if _, err := f.sm.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
}

func TestSessionManager_StatusBeforeStart(t *testing.T) {
	t.Parallel()
	f := newManager(t, testConfig(t, ""), nil)

	st := f.sm.Status()
	if st.State != session.StateIdle || st.SessionID != "" {
		t.Errorf("Status() = %+v, want idle without ID", st)
	}
	if st.Transcript == nil {
		t.Error("Transcript should be an empty slice, not nil")
	}
	if _, err := f.sm.Stop(); err != nil {
		t.Errorf("Stop() on fresh manager: %v", err)
	}
}

func TestSessionManager_StartReplacesPrevious(t *testing.T) {
	t.Parallel()
	f := newManager(t, testConfig(t, ""), nil)

	first, err := f.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	firstConn := f.transport.LastConn()

	second, err := f.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Error("a new session should get a fresh ID")
	}
	if !firstConn.Closed() {
		t.Error("previous connection should be closed")
	}
	if f.transport.CallCountOpen() != 2 {
		t.Errorf("Open calls = %d, want 2", f.transport.CallCountOpen())
	}
}

func TestSessionManager_ConcurrentStart(t *testing.T) {
	t.Parallel()
	f := newManager(t, testConfig(t, ""), nil)

	const callers = 16
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			_, _ = f.sm.Start(context.Background())
		}()
	}
	close(ready)
	wg.Wait()

	var openConns, heldMics int
	for _, c := range f.transport.Conns() {
		if !c.Closed() {
			openConns++
		}
	}
	for _, m := range f.mics.Mics() {
		if !m.Released() {
			heldMics++
		}
	}
	if openConns > 1 {
		t.Errorf("open connections = %d, want at most 1", openConns)
	}
	if heldMics > 1 {
		t.Errorf("held microphones = %d, want at most 1", heldMics)
	}
	if st := f.sm.Status(); st.State == session.StateActive && (openConns != 1 || heldMics != 1) {
		t.Errorf("active session without its resources: conns=%d mics=%d", openConns, heldMics)
	}

	if _, err := f.sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for i, c := range f.transport.Conns() {
		if !c.Closed() {
			t.Errorf("conn %d still open after Stop", i)
		}
	}
	for i, m := range f.mics.Mics() {
		if !m.Released() {
			t.Errorf("mic %d still held after Stop", i)
		}
	}
}

func TestSessionManager_Restart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		yaml           string
		wantSameID     bool
		wantTranscript int
	}{
		{name: "fresh session", yaml: "", wantSameID: false, wantTranscript: 0},
		{name: "keep transcript", yaml: "session:\n  keep_transcript: true\n", wantSameID: true, wantTranscript: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newManager(t, testConfig(t, tt.yaml), nil)

			first, err := f.sm.Start(context.Background())
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			f.transport.LastConn().EmitMessage(live.Message{InputTranscript: "hello"})
			waitFor(t, "transcript entry", func() bool { return len(f.sm.Status().Transcript) == 1 })

			second, err := f.sm.Start(context.Background())
			if err != nil {
				t.Fatalf("restart: %v", err)
			}
			if got := first.SessionID == second.SessionID; got != tt.wantSameID {
				t.Errorf("same ID = %v, want %v", got, tt.wantSameID)
			}
			if got := len(second.Transcript); got != tt.wantTranscript {
				t.Errorf("transcript len = %d, want %d", got, tt.wantTranscript)
			}
		})
	}
}

func TestSessionManager_PersistsTranscript(t *testing.T) {
	t.Parallel()
	f := newManager(t, testConfig(t, ""), nil)
	ctx := context.Background()

	st, err := f.sm.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.transport.LastConn().EmitMessage(live.Message{
		InputTranscript:  "what time is it",
		OutputTranscript: "it is noon",
	})

	waitFor(t, "persisted entries", func() bool {
		entries, _ := f.store.Entries(ctx, st.SessionID)
		return len(entries) == 2
	})
	entries, _ := f.store.Entries(ctx, st.SessionID)
	if entries[0].Speaker != memory.SpeakerModel || entries[0].Text != "it is noon" {
		t.Errorf("entries[0] = %+v, want model fragment first", entries[0])
	}
	if entries[1].Speaker != memory.SpeakerUser || entries[1].Text != "what time is it" {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	// The active session is served from memory.
	got, err := f.sm.Transcript(ctx, st.SessionID)
	if err != nil || len(got) != 2 {
		t.Fatalf("Transcript(current) = %v, %v", got, err)
	}

	// A finished session is served from the store.
	if _, err := f.sm.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	got, err = f.sm.Transcript(ctx, st.SessionID)
	if err != nil || len(got) != 2 {
		t.Fatalf("Transcript(previous) = %v, %v", got, err)
	}

	sessions, err := f.sm.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != st.SessionID || sessions[0].Entries != 2 {
		t.Errorf("Sessions = %+v", sessions)
	}

	found, err := f.sm.Search(ctx, "noon", memory.SearchOpts{})
	if err != nil || len(found) != 1 {
		t.Errorf("Search = %v, %v", found, err)
	}
}

func TestSessionManager_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(f *managerFixture)
		wantErr error
	}{
		{
			name:    "permission denied",
			mutate:  func(f *managerFixture) { f.mics.AcquireErr = audio.ErrPermissionDenied },
			wantErr: session.ErrPermissionDenied,
		},
		{
			name:    "transport fails",
			mutate:  func(f *managerFixture) { f.transport.OpenErr = errors.New("dial refused") },
			wantErr: session.ErrConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newManager(t, testConfig(t, ""), nil)
			tt.mutate(f)

			st, err := f.sm.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() err = %v, want %v", err, tt.wantErr)
			}
			if st.State != session.StateIdle {
				t.Errorf("State = %v, want idle", st.State)
			}
			if st.Error == "" {
				t.Error("status should carry the error")
			}
			if got := f.sm.Status(); got.Error == "" {
				t.Error("Status() should keep the last error")
			}
		})
	}
}

func TestSessionManager_Hooks(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		states  []session.State
		entries []session.TranscriptEntry
		ids     = map[string]bool{}
	)
	f := newManager(t, testConfig(t, ""), func(c *app.SessionManagerConfig) {
		c.OnStateChange = func(id string, st session.State) {
			mu.Lock()
			defer mu.Unlock()
			ids[id] = true
			states = append(states, st)
		}
		c.OnTranscript = func(id string, e session.TranscriptEntry) {
			mu.Lock()
			defer mu.Unlock()
			ids[id] = true
			entries = append(entries, e)
		}
	})

	st, err := f.sm.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.transport.LastConn().EmitMessage(live.Message{OutputTranscript: "hi"})
	waitFor(t, "transcript hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(entries) == 1
	})
	if _, err := f.sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []session.State{session.StateConnecting, session.StateActive, session.StateClosing, session.StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if len(ids) != 1 || !ids[st.SessionID] {
		t.Errorf("hook IDs = %v, want only %s", ids, st.SessionID)
	}
}

func TestSessionManager_Queries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("without store", func(t *testing.T) {
		t.Parallel()
		f := newManager(t, testConfig(t, ""), func(c *app.SessionManagerConfig) { c.Store = nil })
		if _, err := f.sm.Sessions(ctx, 0); !errors.Is(err, app.ErrNoStore) {
			t.Errorf("Sessions err = %v, want ErrNoStore", err)
		}
		if _, err := f.sm.Search(ctx, "x", memory.SearchOpts{}); !errors.Is(err, app.ErrNoStore) {
			t.Errorf("Search err = %v, want ErrNoStore", err)
		}
		if _, err := f.sm.Transcript(ctx, "nope"); !errors.Is(err, app.ErrSessionNotFound) {
			t.Errorf("Transcript err = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		t.Parallel()
		f := newManager(t, testConfig(t, ""), nil)
		if _, err := f.sm.Transcript(ctx, "nope"); !errors.Is(err, app.ErrSessionNotFound) {
			t.Errorf("Transcript err = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("store error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("db down")
		store := &memorymock.SessionStore{EntriesErr: boom}
		f := newManager(t, testConfig(t, ""), func(c *app.SessionManagerConfig) { c.Store = store })
		if _, err := f.sm.Transcript(ctx, "any"); !errors.Is(err, boom) {
			t.Errorf("Transcript err = %v, want %v", err, boom)
		}
		if store.CallCount("Entries") != 1 {
			t.Errorf("Entries calls = %d, want 1", store.CallCount("Entries"))
		}
	})
}

func TestSessionManager_UsesCurrentConfig(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		cfg = testConfig(t, "live:\n  voice: Zephyr\n")
	)
	f := newManager(t, nil, func(c *app.SessionManagerConfig) {
		c.Config = func() *config.Config {
			mu.Lock()
			defer mu.Unlock()
			return cfg
		}
	})

	if _, err := f.sm.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	cfg = testConfig(t, "live:\n  voice: Puck\n")
	mu.Unlock()
	if _, err := f.sm.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	configs := f.transport.Configs()
	if len(configs) != 2 || configs[0].Voice != "Zephyr" || configs[1].Voice != "Puck" {
		t.Errorf("voices = %+v", configs)
	}
	if f.mics.LastFormat.SampleRate != 16000 || f.mics.LastFrameSize != 4096 {
		t.Errorf("mic format = %+v frame = %d", f.mics.LastFormat, f.mics.LastFrameSize)
	}
}
