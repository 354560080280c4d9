// Package mock provides an in-memory test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	store.EntriesResult = []memory.TranscriptEntry{{Text: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("WriteEntry"); got != 1 {
//	    t.Errorf("expected 1 WriteEntry call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicenexus/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu    sync.Mutex
	calls []Call

	// WriteEntryErr is returned by WriteEntry when non-nil.
	WriteEntryErr error

	// Written records every successfully written entry keyed by session.
	Written map[string][]memory.TranscriptEntry

	// EntriesResult is returned by Entries. When nil, Entries returns the
	// entries recorded in Written.
	EntriesResult []memory.TranscriptEntry

	// EntriesErr is returned by Entries when non-nil.
	EntriesErr error

	// SearchResult is returned by Search.
	SearchResult []memory.TranscriptEntry

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// SessionsResult is returned by Sessions.
	SessionsResult []memory.SessionSummary

	// SessionsErr is returned by Sessions when non-nil.
	SessionsErr error
}

var _ memory.SessionStore = (*SessionStore)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// WrittenFor returns a copy of the entries written for sessionID.
func (m *SessionStore) WrittenFor(sessionID string) []memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(m.Written[sessionID]))
	copy(out, m.Written[sessionID])
	return out
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if m.Written == nil {
		m.Written = make(map[string][]memory.TranscriptEntry)
	}
	m.Written[sessionID] = append(m.Written[sessionID], entry)
	return nil
}

// Entries implements [memory.SessionStore].
func (m *SessionStore) Entries(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Entries", Args: []any{sessionID}})
	if m.EntriesErr != nil {
		return nil, m.EntriesErr
	}
	src := m.EntriesResult
	if src == nil {
		src = m.Written[sessionID]
	}
	out := make([]memory.TranscriptEntry, len(src))
	copy(out, src)
	return out, nil
}

// Search implements [memory.SessionStore].
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	out := make([]memory.TranscriptEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, nil
}

// Sessions implements [memory.SessionStore].
func (m *SessionStore) Sessions(_ context.Context, limit int) ([]memory.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Sessions", Args: []any{limit}})
	if m.SessionsErr != nil {
		return nil, m.SessionsErr
	}
	out := make([]memory.SessionSummary, len(m.SessionsResult))
	copy(out, m.SessionsResult)
	return out, nil
}
