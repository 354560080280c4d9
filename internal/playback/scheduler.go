// Package playback turns an ordered stream of decoded model audio into
// gapless output on an [audio.Output] and supports immediate barge-in
// interruption.
//
// The [Scheduler] keeps a playback cursor (the time the next buffer should
// start). Each arriving buffer starts at max(cursor, clock) and advances the
// cursor by its duration, so buffers that arrive ahead of playback are queued
// back to back, and buffers that arrive late start immediately. Interrupt stops
// everything in flight and pulls the cursor back to the current clock time.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] and [Scheduler.Enqueue] after
// [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled     int
	Completed     int
	Dropped       int
	Interruptions int
}

// Scheduler schedules decoded buffers for sequential playback.
// All methods are safe for concurrent use.
type Scheduler struct {
	out    audio.Output
	format audio.Format

	mu      sync.Mutex
	started bool
	next    time.Duration
	active  map[uint64]audio.Source
	seq     uint64
	closed  bool
	stats   Stats

	onDrop      func(error)
	onInterrupt func(stopped int)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDropHandler registers fn to observe buffers dropped because they could
// not be decoded or scheduled.
func WithDropHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onDrop = fn }
}

// WithInterruptHandler registers fn to observe interruptions together with the
// number of sources that were stopped.
func WithInterruptHandler(fn func(stopped int)) Option {
	return func(s *Scheduler) { s.onInterrupt = fn }
}

// New creates a Scheduler playing on out. format is the default format of
// inbound payloads; a MIME rate tag on a payload overrides the sample rate.
func New(out audio.Output, format audio.Format, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		format: format,
		active: make(map[uint64]audio.Source),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes a base64 PCM payload and schedules it. A payload that cannot
// be decoded is dropped and logged; the error (matching [audio.ErrDecode]) is
// returned for accounting but leaves the active set and cursor untouched.
func (s *Scheduler) Enqueue(payload, mime string) (time.Duration, error) {
	rate := s.format.SampleRate
	if r, ok := audio.ParseMIMERate(mime); ok {
		rate = r
	}
	buf, err := audio.Decode(payload, rate, s.format.Channels)
	if err != nil {
		s.drop(err)
		return 0, err
	}
	return s.Schedule(buf)
}

// Schedule queues buf to start at max(cursor, clock) and returns the chosen
// start time. Empty buffers are ignored and return the current cursor.
func (s *Scheduler) Schedule(buf audio.PlaybackBuffer) (time.Duration, error) {
	start, err := s.schedule(buf)
	if err != nil && !errors.Is(err, ErrClosed) {
		s.drop(err)
	}
	return start, err
}

func (s *Scheduler) schedule(buf audio.PlaybackBuffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	now := s.out.Now()
	if !s.started {
		s.next = now
		s.started = true
	}
	if buf.Frames() == 0 {
		return s.next, nil
	}

	start := max(s.next, now)

	s.seq++
	id := s.seq
	src, err := s.out.Schedule(buf, start, func() { s.complete(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule buffer: %w", err)
	}

	s.active[id] = src
	s.next = start + buf.Duration()
	s.stats.Scheduled++
	return start, nil
}

// complete removes a naturally finished source from the active set.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.stats.Completed++
	}
}

// Interrupt stops every scheduled or playing source, clears the active set,
// and resets the cursor to the current clock time. It returns the number of
// sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := s.resetLocked()
	s.stats.Interruptions++
	onInterrupt := s.onInterrupt
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	if onInterrupt != nil {
		onInterrupt(len(stopped))
	}
	slog.Debug("playback: interrupted", "stopped", len(stopped))
	return len(stopped)
}

// resetLocked empties the active set and pulls the cursor back to the clock.
// Must be called with s.mu held; the returned sources must be stopped after
// the lock is released.
func (s *Scheduler) resetLocked() []audio.Source {
	stopped := make([]audio.Source, 0, len(s.active))
	for id, src := range s.active {
		stopped = append(stopped, src)
		delete(s.active, id)
	}
	s.next = s.out.Now()
	s.started = true
	return stopped
}

// Close stops all playback and rejects further buffers. It is safe to call
// more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopped := s.resetLocked()
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
}

// Active returns the number of sources currently scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the playback cursor. Before the first buffer it reports
// the current clock time.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return s.out.Now()
	}
	return s.next
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) drop(err error) {
	s.mu.Lock()
	s.stats.Dropped++
	onDrop := s.onDrop
	s.mu.Unlock()

	slog.Warn("playback: dropping buffer", "err", err)
	if onDrop != nil {
		onDrop(err)
	}
}
