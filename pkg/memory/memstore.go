package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
)

// MemStore is an in-process [SessionStore]. Entries live until the process
// exits.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]TranscriptEntry
}

var _ SessionStore = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]TranscriptEntry)}
}

// WriteEntry implements [SessionStore].
func (m *MemStore) WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], entry)
	return nil
}

// Entries implements [SessionStore].
func (m *MemStore) Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.sessions[sessionID])
	if out == nil {
		out = []TranscriptEntry{}
	}
	return out, nil
}

// Search implements [SessionStore] with a case-insensitive substring match on
// every query word.
func (m *MemStore) Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []TranscriptEntry{}
	for id, entries := range m.sessions {
		if opts.SessionID != "" && id != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if matches(e, words, opts) {
				out = append(out, e)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b TranscriptEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func matches(e TranscriptEntry, words []string, opts SearchOpts) bool {
	if opts.Speaker != "" && e.Speaker != opts.Speaker {
		return false
	}
	if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
		return false
	}
	text := strings.ToLower(e.Text)
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

// Sessions implements [SessionStore].
func (m *MemStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for id, entries := range m.sessions {
		if len(entries) == 0 {
			continue
		}
		sum := SessionSummary{ID: id, Entries: len(entries), FirstEntry: entries[0].Timestamp, LastEntry: entries[0].Timestamp}
		for _, e := range entries[1:] {
			if e.Timestamp.Before(sum.FirstEntry) {
				sum.FirstEntry = e.Timestamp
			}
			if e.Timestamp.After(sum.LastEntry) {
				sum.LastEntry = e.Timestamp
			}
		}
		out = append(out, sum)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b SessionSummary) int {
		if c := b.LastEntry.Compare(a.LastEntry); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
