package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

type pendingEntry struct {
	sessionID string
	entry     TranscriptEntry
}

// Writer persists entries asynchronously through a bounded queue. Write never
// blocks: when the queue is full the entry is dropped and counted.
type Writer struct {
	store   SessionStore
	timeout time.Duration

	queue   chan pendingEntry
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithQueueSize sets the queue capacity. Default: 256.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan pendingEntry, n)
		}
	}
}

// WithWriteTimeout bounds each store write. Default: 5s.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWriter starts a Writer draining into store.
func NewWriter(store SessionStore, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		timeout: defaultWriteTimeout,
		queue:   make(chan pendingEntry, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.run()
	return w
}

// Write enqueues entry. It returns [ErrClosed] after Close and false when the
// queue was full.
func (w *Writer) Write(sessionID string, entry TranscriptEntry) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false, ErrClosed
	}
	select {
	case w.queue <- pendingEntry{sessionID: sessionID, entry: entry}:
		return true, nil
	default:
		w.dropped.Add(1)
		slog.Warn("memory writer: queue full, dropping entry", "session_id", sessionID)
		return false, nil
	}
}

// Dropped returns how many entries were dropped because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

func (w *Writer) run() {
	defer close(w.done)
	for p := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.store.WriteEntry(ctx, p.sessionID, p.entry); err != nil {
			slog.Warn("memory writer: write entry", "session_id", p.sessionID, "err", err)
		}
		cancel()
	}
}

// Close stops accepting entries and waits until queued ones are written or
// ctx ends.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
