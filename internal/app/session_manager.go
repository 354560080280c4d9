package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicenexus/internal/config"
	"github.com/MrWong99/voicenexus/internal/observe"
	"github.com/MrWong99/voicenexus/internal/session"
	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/memory"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

var (
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrNoStore is returned by queries when no transcript store is wired.
	ErrNoStore = errors.New("app: no transcript store")
)

// Status is a snapshot of the managed session.
type Status struct {
	SessionID  string                    `json:"session_id,omitempty"`
	State      session.State             `json:"state"`
	Transport  string                    `json:"transport,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Transcript []session.TranscriptEntry `json:"transcript"`
	Stats      *session.Stats            `json:"stats,omitempty"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config returns the configuration applied to the next session. It is
	// called on every Start so hot-reloaded values take effect.
	Config func() *config.Config

	Transport   live.Transport
	Microphones audio.MicrophoneSource
	Output      audio.Output

	// Writer persists transcript entries. Optional.
	Writer *memory.Writer

	// Store answers transcript queries. Optional.
	Store memory.SessionStore

	// Metrics is optional; nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnTranscript and OnStateChange observe the managed sessions. Both run
	// on session goroutines and must not block.
	OnTranscript  func(sessionID string, e session.TranscriptEntry)
	OnStateChange func(sessionID string, st session.State)
}

// SessionManager owns at most one live session at a time. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	deps SessionManagerConfig

	// startMu serializes Start so stopping the previous session and starting
	// the next one happen as a unit. Stop and Status never take it.
	startMu sync.Mutex

	mu     sync.Mutex
	cur    *session.Session
	curCfg *config.Config
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{deps: cfg}
}

// Start stops the current session, if any, and starts the next one. With
// session.keep_transcript enabled and an unchanged config the previous
// session is restarted under the same ID and keeps its transcript; otherwise
// a new session with a fresh ID is created.
//
// A Start that overlaps another aborts the one still connecting and then
// replaces it, so at most one session holds the microphone and a model
// connection.
//
// The returned status describes the session that was started, also on error.
func (sm *SessionManager) Start(ctx context.Context) (Status, error) {
	sm.mu.Lock()
	pending := sm.cur
	sm.mu.Unlock()
	if pending != nil && pending.State() == session.StateConnecting {
		_ = pending.Stop()
	}

	sm.startMu.Lock()
	defer sm.startMu.Unlock()

	cfg := sm.deps.Config()

	sm.mu.Lock()
	prev := sm.cur
	next := prev
	if prev == nil || !cfg.Session.KeepTranscript || sm.curCfg != cfg {
		next = sm.newSession(cfg)
	}
	sm.cur, sm.curCfg = next, cfg
	sm.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			slog.Warn("session manager: stop previous session", "session_id", prev.ID(), "err", err)
		}
	}

	err := next.Start(ctx)
	return sm.statusOf(next), err
}

func (sm *SessionManager) newSession(cfg *config.Config) *session.Session {
	id := uuid.NewString()
	s := session.New(session.Config{
		ID:                id,
		Live:              cfg.LiveSession(),
		InputFormat:       audio.Format{SampleRate: cfg.Audio.Input.SampleRate, Channels: 1},
		OutputFormat:      audio.Format{SampleRate: cfg.Audio.Output.SampleRate, Channels: 1},
		FrameSize:         cfg.Audio.Input.FrameSize,
		MaxInFlight:       cfg.Audio.Input.MaxInFlight,
		PermissionTimeout: cfg.Session.PermissionTimeout,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		KeepTranscript:    cfg.Session.KeepTranscript,
	}, session.Deps{
		Transport:   sm.deps.Transport,
		Microphones: sm.deps.Microphones,
		Output:      sm.deps.Output,
		Metrics:     sm.deps.Metrics,
	})

	s.OnTranscript(func(e session.TranscriptEntry) {
		sm.persist(id, e)
		if fn := sm.deps.OnTranscript; fn != nil {
			fn(id, e)
		}
	})
	s.OnStateChange(func(st session.State) {
		slog.Debug("session manager: state change", "session_id", id, "state", st.String())
		if fn := sm.deps.OnStateChange; fn != nil {
			fn(id, st)
		}
	})
	return s
}

func (sm *SessionManager) persist(id string, e session.TranscriptEntry) {
	if sm.deps.Writer == nil {
		return
	}
	_, err := sm.deps.Writer.Write(id, memory.TranscriptEntry{
		Speaker:   string(e.Speaker),
		Text:      e.Text,
		Timestamp: e.Time,
	})
	if err != nil {
		slog.Debug("session manager: transcript not persisted", "session_id", id, "err", err)
	}
}

// Stop ends the current session. It is a no-op when nothing is running.
func (sm *SessionManager) Stop() (Status, error) {
	sm.mu.Lock()
	s := sm.cur
	sm.mu.Unlock()
	if s == nil {
		return idleStatus(), nil
	}
	err := s.Stop()
	return sm.statusOf(s), err
}

// Close stops the current session for shutdown.
func (sm *SessionManager) Close() error {
	_, err := sm.Stop()
	return err
}

// Status describes the current or most recent session.
func (sm *SessionManager) Status() Status {
	sm.mu.Lock()
	s := sm.cur
	sm.mu.Unlock()
	if s == nil {
		return idleStatus()
	}
	return sm.statusOf(s)
}

func (sm *SessionManager) statusOf(s *session.Session) Status {
	st := Status{
		SessionID:  s.ID(),
		State:      s.State(),
		Transport:  sm.deps.Transport.Name(),
		Transcript: s.Transcript(),
	}
	if st.Transcript == nil {
		st.Transcript = []session.TranscriptEntry{}
	}
	if t := s.StartedAt(); !t.IsZero() {
		st.StartedAt = &t
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	if st.State == session.StateActive {
		stats := s.Stats()
		st.Stats = &stats
	}
	return st
}

func idleStatus() Status {
	return Status{State: session.StateIdle, Transcript: []session.TranscriptEntry{}}
}

// Transcript returns the stored transcript of sessionID. The current
// session is served from memory so entries still queued for storage are
// included.
func (sm *SessionManager) Transcript(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	sm.mu.Lock()
	s := sm.cur
	sm.mu.Unlock()
	if s != nil && s.ID() == sessionID {
		entries := s.Transcript()
		out := make([]memory.TranscriptEntry, len(entries))
		for i, e := range entries {
			out[i] = memory.TranscriptEntry{Speaker: string(e.Speaker), Text: e.Text, Timestamp: e.Time}
		}
		return out, nil
	}

	if sm.deps.Store == nil {
		return nil, ErrSessionNotFound
	}
	entries, err := sm.deps.Store.Entries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrSessionNotFound
	}
	return entries, nil
}

// Sessions lists stored sessions, most recent first.
func (sm *SessionManager) Sessions(ctx context.Context, limit int) ([]memory.SessionSummary, error) {
	if sm.deps.Store == nil {
		return nil, ErrNoStore
	}
	return sm.deps.Store.Sessions(ctx, limit)
}

// Search runs a keyword search over stored transcripts.
func (sm *SessionManager) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	if sm.deps.Store == nil {
		return nil, ErrNoStore
	}
	return sm.deps.Store.Search(ctx, query, opts)
}
