package memory

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [SessionStore] and makes all operations non-fatal. If the
// underlying store fails, operations return empty results and log warnings
// instead of propagating errors, so a live session keeps running while the
// database is unavailable. [Guard.IsDegraded] reports whether the most recent
// operation failed.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    SessionStore
	degraded atomic.Bool
}

var _ SessionStore = (*Guard)(nil)

// NewGuard creates a Guard around store.
func NewGuard(store SessionStore) *Guard {
	return &Guard{store: store}
}

// WriteEntry writes through to the store. Failures are logged and swallowed.
func (g *Guard) WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	if err := g.store.WriteEntry(ctx, sessionID, entry); err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: write entry failed, swallowing error", "session_id", sessionID, "err", err)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Entries returns an empty slice when the store fails.
func (g *Guard) Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	entries, err := g.store.Entries(ctx, sessionID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: entries failed, returning empty", "session_id", sessionID, "err", err)
		return []TranscriptEntry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Search returns an empty slice when the store fails.
func (g *Guard) Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error) {
	entries, err := g.store.Search(ctx, query, opts)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: search failed, returning empty", "query", query, "err", err)
		return []TranscriptEntry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Sessions returns an empty slice when the store fails.
func (g *Guard) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	sessions, err := g.store.Sessions(ctx, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("memory guard: sessions failed, returning empty", "err", err)
		return []SessionSummary{}, nil
	}
	g.degraded.Store(false)
	return sessions, nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
