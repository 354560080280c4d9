// Package memory persists live session transcripts.
//
// The [SessionStore] interface is a time-ordered, append-only log of
// speaker-tagged transcript fragments keyed by session ID. Two backends ship
// with the module: [MemStore] for single-process use and tests, and
// memory/postgres for durable storage.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by [Writer.Write] after the writer was closed.
var ErrClosed = errors.New("memory: writer closed")

// SearchOpts configures a keyword search over session entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Speaker restricts results to one speaker.
	Speaker string

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// SessionStore is the transcript log.
type SessionStore interface {
	// WriteEntry appends entry to the log of sessionID.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// Entries returns every entry of sessionID, oldest first. An unknown
	// session yields an empty slice.
	Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search performs a keyword search over entry text, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)

	// Sessions lists stored sessions, most recently active first. limit <= 0
	// returns all of them.
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
}
