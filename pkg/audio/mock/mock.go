// Package mock provides in-memory implementations of [audio.MicrophoneSource],
// [audio.Microphone], and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields the
// test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(audio.Format{SampleRate: 16000, Channels: 1}, 4)
//	src := &mock.MicrophoneSource{Mic: mic}
//	out := mock.NewOutput()
//	mic.Feed(frame)          // deliver a captured frame
//	out.Advance(time.Second) // move the playback clock
//	out.Complete(0)          // finish the first scheduled buffer
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.MicrophoneSource = (*MicrophoneSource)(nil)
	_ audio.Microphone       = (*Microphone)(nil)
	_ audio.Output           = (*Output)(nil)
	_ audio.Source           = (*Source)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone] fed by the test.
type Microphone struct {
	format audio.Format
	frames chan audio.AudioFrame
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewMicrophone returns a microphone whose frame channel has the given
// buffer capacity.
func NewMicrophone(f audio.Format, buffer int) *Microphone {
	return &Microphone{
		format: f,
		frames: make(chan audio.AudioFrame, buffer),
		done:   make(chan struct{}),
	}
}

// Feed delivers frame to the consumer. It blocks while the channel buffer is
// full and reports false if the microphone is closed before the frame is
// taken.
func (m *Microphone) Feed(frame audio.AudioFrame) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.sending.Add(1)
	m.mu.Unlock()
	defer m.sending.Done()

	select {
	case m.frames <- frame:
		return true
	case <-m.done:
		return false
	}
}

// End closes the frame channel without marking the device released, as if
// the input ran out.
func (m *Microphone) End() {
	m.mu.Lock()
	first := m.markClosed()
	m.mu.Unlock()
	if first {
		m.closeFrames()
	}
}

// Frames implements [audio.Microphone].
func (m *Microphone) Frames() <-chan audio.AudioFrame { return m.frames }

// Format implements [audio.Microphone].
func (m *Microphone) Format() audio.Format { return m.format }

// Close implements [audio.Microphone]. It does not wait for the consumer and
// unblocks any pending Feed.
func (m *Microphone) Close() error {
	m.mu.Lock()
	m.CallCountClose++
	first := m.markClosed()
	m.mu.Unlock()
	if first {
		m.closeFrames()
	}
	return nil
}

// markClosed must be called with mu held.
func (m *Microphone) markClosed() bool {
	if m.closed {
		return false
	}
	m.closed = true
	close(m.done)
	return true
}

// closeFrames closes the frame channel once every in-flight Feed returned.
func (m *Microphone) closeFrames() {
	m.sending.Wait()
	close(m.frames)
}

// Released reports whether Close has been called at least once.
func (m *Microphone) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose > 0
}

// ─── MicrophoneSource ─────────────────────────────────────────────────────────

// MicrophoneSource is a mock [audio.MicrophoneSource].
type MicrophoneSource struct {
	mu sync.Mutex

	// Mic is returned by Acquire. When nil a fresh Microphone with a buffer of
	// 16 frames is created per call.
	Mic *Microphone

	// AcquireErr is returned by Acquire when non-nil.
	AcquireErr error

	// Block makes Acquire wait for ctx cancellation, simulating a permission
	// prompt nobody answers.
	Block bool

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// LastFrameSize and LastFormat record the arguments of the last call.
	LastFrameSize int
	LastFormat    audio.Format

	// Acquired holds every microphone handed out, in order.
	Acquired []*Microphone
}

// Acquire implements [audio.MicrophoneSource].
func (s *MicrophoneSource) Acquire(ctx context.Context, f audio.Format, frameSize int) (audio.Microphone, error) {
	s.mu.Lock()
	s.CallCountAcquire++
	s.LastFrameSize = frameSize
	s.LastFormat = f
	block, err := s.Block, s.AcquireErr
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mic := s.Mic
	if mic == nil {
		mic = NewMicrophone(f, 16)
	}
	s.Acquired = append(s.Acquired, mic)
	return mic, nil
}

// Mics returns a copy of every microphone handed out so far.
func (s *MicrophoneSource) Mics() []*Microphone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Microphone(nil), s.Acquired...)
}

// Last returns the most recently acquired microphone, or nil.
func (s *MicrophoneSource) Last() *Microphone {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Acquired) == 0 {
		return nil
	}
	return s.Acquired[len(s.Acquired)-1]
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Scheduled records one [Output.Schedule] call.
type Scheduled struct {
	Buffer audio.PlaybackBuffer
	At     time.Duration
	Source *Source
}

// Output is a mock [audio.Output] with a manually advanced clock. Buffers
// never finish on their own; call [Output.Complete] to fire a completion.
type Output struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []Scheduled

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error
}

// NewOutput returns an Output whose clock starts at zero.
func NewOutput() *Output { return &Output{} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to t.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	src := &Source{done: done}
	o.scheduled = append(o.scheduled, Scheduled{Buffer: buf, At: at, Source: src})
	return src, nil
}

// Scheduled returns a copy of every Schedule call so far.
func (o *Output) Scheduled() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Complete fires the completion callback of the i-th scheduled buffer unless
// it was stopped. It reports whether the callback ran.
func (o *Output) Complete(i int) bool {
	o.mu.Lock()
	if i < 0 || i >= len(o.scheduled) {
		o.mu.Unlock()
		return false
	}
	src := o.scheduled[i].Source
	o.mu.Unlock()
	return src.finish()
}

// Source is the mock [audio.Source].
type Source struct {
	mu       sync.Mutex
	done     func()
	stopped  bool
	finished bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) finish() bool {
	s.mu.Lock()
	if s.stopped || s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	done := s.done
	s.mu.Unlock()
	if done != nil {
		done()
	}
	return true
}
