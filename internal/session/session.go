// Package session implements the live audio session state machine. A
// [Session] acquires the microphone, opens a transport connection, streams
// captured audio out, schedules model audio for gapless playback and keeps a
// speaker-tagged transcript.
//
// All public methods are safe for concurrent use. Events from a connection
// that has been torn down are discarded, so a late message from a previous
// session can never mutate the state of the next one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicenexus/internal/capture"
	"github.com/MrWong99/voicenexus/internal/observe"
	"github.com/MrWong99/voicenexus/internal/playback"
	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
)

const (
	// 4096 samples at 16 kHz is 256 ms per captured frame.
	defaultFrameSize = 4096

	defaultPermissionTimeout = 10 * time.Second
	defaultConnectTimeout    = 10 * time.Second
)

// Config tunes a [Session].
type Config struct {
	// ID identifies the session in logs and spans.
	ID string

	// Live is passed to the transport on every start.
	Live live.Config

	// InputFormat is the wire format for captured audio. Default: 16 kHz mono.
	InputFormat audio.Format

	// OutputFormat is the default format of model audio. Default: 24 kHz mono.
	OutputFormat audio.Format

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int

	// MaxInFlight bounds the frames the capture pipeline holds unsent.
	MaxInFlight int

	// PermissionTimeout bounds microphone acquisition. Default: 10s.
	PermissionTimeout time.Duration

	// ConnectTimeout bounds the wait for the opened event. Default: 10s.
	ConnectTimeout time.Duration

	// KeepTranscript preserves the transcript across restarts.
	KeepTranscript bool
}

func (c Config) withDefaults() Config {
	if c.InputFormat.SampleRate <= 0 {
		c.InputFormat.SampleRate = 16000
	}
	if c.InputFormat.Channels <= 0 {
		c.InputFormat.Channels = 1
	}
	if c.OutputFormat.SampleRate <= 0 {
		c.OutputFormat.SampleRate = 24000
	}
	if c.OutputFormat.Channels <= 0 {
		c.OutputFormat.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = defaultPermissionTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Live.InputSampleRate <= 0 {
		c.Live.InputSampleRate = c.InputFormat.SampleRate
	}
	return c
}

// Deps are the collaborators a [Session] drives.
type Deps struct {
	Transport   live.Transport
	Microphones audio.MicrophoneSource
	Output      audio.Output

	// Metrics is optional; nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Stats is a snapshot of the running session's counters.
type Stats struct {
	Capture  capture.Stats  `json:"capture"`
	Playback playback.Stats `json:"playback"`
}

// handle owns everything one start attempt acquired. It is torn down as a
// unit.
type handle struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	mic      audio.Microphone
	conn     live.Conn
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
}

// release frees every resource the handle holds. The microphone is released
// before release returns.
func (h *handle) release() error {
	h.cancel()
	var errs []error
	switch {
	case h.pipeline != nil:
		h.pipeline.Stop()
	case h.mic != nil:
		if err := h.mic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: release microphone: %w", err))
		}
	}
	if h.sched != nil {
		h.sched.Close()
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Session is a single live audio session that can be started and stopped
// repeatedly.
type Session struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics

	mu         sync.Mutex
	state      State
	gen        uint64
	h          *handle
	err        error
	transcript []TranscriptEntry
	startedAt  time.Time

	onTranscript  func(TranscriptEntry)
	onStateChange func(State)

	// notifyMu serialises callbacks so observers see transitions in order.
	notifyMu sync.Mutex
}

// New creates an idle Session.
func New(cfg Config, deps Deps) *Session {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Session{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		metrics: m,
	}
}

// ID returns the session identifier from the config.
func (s *Session) ID() string { return s.cfg.ID }

// OnTranscript registers fn to receive every new transcript entry. fn runs
// on the event loop and must not block.
func (s *Session) OnTranscript(fn func(TranscriptEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// OnStateChange registers fn to observe state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last session or start attempt, or nil.
// It is reset by the next Start.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StartedAt returns when the current session became active, or the zero time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Stats returns the counters of the running session. It is zero when idle.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	var st Stats
	if h == nil {
		return st
	}
	if h.pipeline != nil {
		st.Capture = h.pipeline.Stats()
	}
	if h.sched != nil {
		st.Playback = h.sched.Stats()
	}
	return st
}

// Start acquires the microphone, opens the connection and waits until the
// transport reports the session open. It returns [ErrBusy] unless the
// session is idle, and an error matching [ErrPermissionDenied] or
// [ErrConnection] when the attempt fails. In every failure case the session
// is back in [StateIdle] when Start returns.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.gen++
	h := &handle{gen: s.gen}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	s.h = h
	s.err = nil
	s.startedAt = time.Time{}
	if !s.cfg.KeepTranscript {
		s.transcript = nil
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify(StateConnecting)

	transport := s.deps.Transport.Name()
	ctx, span := observe.StartSpan(ctx, "session.start", observe.SessionAttrs(s.cfg.ID, transport))
	defer span.End()
	log := observe.Logger(ctx).With("session_id", s.cfg.ID, "transport", transport)
	begin := time.Now()

	outcome, err := s.connect(ctx, h)
	s.metrics.RecordSessionStart(ctx, transport, outcome, time.Since(begin))
	observe.SetOutcome(span, outcome, err)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			log.Info("session: start aborted")
			return err
		}
		log.Warn("session: start failed", "err", err)
		s.teardown(h, err)
		return err
	}

	log.Info("session: active", "connect_ms", time.Since(begin).Milliseconds())
	return nil
}

// connect runs the Connecting phase. It returns the outcome label for
// metrics and a fatal error, or [ErrAborted] when Stop intervened.
func (s *Session) connect(ctx context.Context, h *handle) (string, error) {
	// Microphone.
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PermissionTimeout)
	mic, err := s.deps.Microphones.Acquire(mergeDone(pctx, h.ctx), s.cfg.InputFormat, s.cfg.FrameSize)
	cancel()
	if err != nil {
		if h.ctx.Err() != nil {
			return observe.OutcomeAborted, ErrAborted
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, audio.ErrPermissionDenied) {
			return observe.OutcomeConnectionError, fmt.Errorf("%w: microphone did not respond: %w", ErrConnection, err)
		}
		return observe.OutcomePermissionDenied, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if !s.attach(h, func() { h.mic = mic }) {
		mic.Close()
		return observe.OutcomeAborted, ErrAborted
	}

	// Connection.
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.deps.Transport.Open(mergeDone(cctx, h.ctx), s.cfg.Live)
	if err != nil {
		if h.ctx.Err() != nil {
			return observe.OutcomeAborted, ErrAborted
		}
		return observe.OutcomeConnectionError, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !s.attach(h, func() { h.conn = conn }) {
		conn.Close()
		return observe.OutcomeAborted, ErrAborted
	}

	if err := waitOpened(cctx, h.ctx, conn.Events()); err != nil {
		if h.ctx.Err() != nil {
			return observe.OutcomeAborted, ErrAborted
		}
		return observe.OutcomeConnectionError, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	// Active.
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return observe.OutcomeAborted, ErrAborted
	}
	h.sched = s.newScheduler(conn)
	h.pipeline = s.newPipeline(mic, conn)
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.notify(StateActive)
	h.pipeline.Start(h.ctx)
	go s.eventLoop(h)
	return observe.OutcomeOK, nil
}

// attach runs set under the lock if h is still the current handle.
func (s *Session) attach(h *handle, set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != h {
		return false
	}
	set()
	return true
}

func (s *Session) newScheduler(conn live.Conn) *playback.Scheduler {
	transport := s.deps.Transport.Name()
	return playback.New(s.deps.Output, s.cfg.OutputFormat,
		playback.WithDropHandler(func(err error) {
			if errors.Is(err, audio.ErrDecode) {
				s.metrics.DecodeErrors.Add(context.Background(), 1,
					metric.WithAttributes(observe.Attr("transport", transport)))
			}
		}),
		playback.WithInterruptHandler(func(int) {
			s.metrics.Interruptions.Add(context.Background(), 1)
		}),
	)
}

func (s *Session) newPipeline(mic audio.Microphone, conn live.Conn) *capture.Pipeline {
	transport := s.deps.Transport.Name()
	cfg := capture.Config{
		SampleRate:  s.cfg.InputFormat.SampleRate,
		MaxInFlight: s.cfg.MaxInFlight,
	}
	return capture.New(mic, conn, cfg,
		capture.WithSendErrorHandler(func(uint64, error) {
			s.metrics.RecordSendError(context.Background(), transport)
		}),
		capture.WithSentHandler(func(audio.EncodedChunk) {
			s.metrics.FramesSent.Add(context.Background(), 1)
		}),
	)
}

// waitOpened blocks until the connection reports opened.
func waitOpened(ctx, abort context.Context, events <-chan live.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("connection closed before it opened")
			}
			switch ev.Type {
			case live.EventOpened:
				return nil
			case live.EventError:
				return fmt.Errorf("transport error before open: %w", ev.Err)
			case live.EventClosed:
				if ev.Err != nil {
					return fmt.Errorf("connection closed before it opened: %w", ev.Err)
				}
				return errors.New("connection closed before it opened")
			}
		case <-abort.Done():
			return abort.Err()
		case <-ctx.Done():
			return fmt.Errorf("waiting for open: %w", ctx.Err())
		}
	}
}

// eventLoop routes inbound events for one handle until its stream closes.
func (s *Session) eventLoop(h *handle) {
	log := observe.Logger(h.ctx).With("session_id", s.cfg.ID)
	for ev := range h.conn.Events() {
		if !s.current(h) {
			log.Debug("session: discarding event from closed connection", "event", ev.Type.String())
			continue
		}
		switch ev.Type {
		case live.EventMessage:
			s.route(h, ev.Message)
		case live.EventError:
			log.Error("session: transport error", "err", ev.Err)
			s.teardown(h, fmt.Errorf("%w: %w", ErrConnection, ev.Err))
		case live.EventClosed:
			if ev.Err != nil {
				log.Warn("session: connection lost", "err", ev.Err)
				s.teardown(h, fmt.Errorf("%w: %w", ErrConnection, ev.Err))
			} else {
				log.Info("session: closed by remote")
				s.teardown(h, nil)
			}
		}
	}
}

// route applies one server message: transcripts, then audio, then the
// interruption flag.
func (s *Session) route(h *handle, msg live.Message) {
	if msg.OutputTranscript != "" {
		s.appendTranscript(h, SpeakerModel, msg.OutputTranscript)
	}
	if msg.InputTranscript != "" {
		s.appendTranscript(h, SpeakerUser, msg.InputTranscript)
	}
	for _, a := range msg.Audio {
		if a.Data == "" {
			continue
		}
		if _, err := h.sched.Enqueue(a.Data, a.MIMEType); err == nil {
			s.metrics.BuffersScheduled.Add(context.Background(), 1)
		}
	}
	if msg.Interrupted {
		h.sched.Interrupt()
	}
}

func (s *Session) appendTranscript(h *handle, speaker Speaker, text string) {
	entry := TranscriptEntry{Speaker: speaker, Text: text, Time: time.Now()}
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return
	}
	s.transcript = append(s.transcript, entry)
	fn := s.onTranscript
	s.mu.Unlock()

	s.metrics.RecordTranscript(context.Background(), string(speaker))
	if fn != nil {
		fn(entry)
	}
}

// current reports whether h is the live handle of an active session.
func (s *Session) current(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h == h && s.gen == h.gen && s.state == StateActive
}

// Stop ends the session. The microphone is released before Stop returns.
// Stop on an idle session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	h := s.h
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, span := observe.StartSpan(context.Background(), "session.stop",
		observe.SessionAttrs(s.cfg.ID, s.deps.Transport.Name()))
	defer span.End()
	return s.teardown(h, nil)
}

// teardown moves the session owning h to Idle, passing through Errored when
// cause is non-nil and Closing otherwise. It is a no-op for a stale handle.
func (s *Session) teardown(h *handle, cause error) error {
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == StateActive
	s.h = nil
	s.gen++
	next := StateClosing
	if cause != nil {
		next = StateErrored
		s.err = cause
	}
	s.state = next
	s.mu.Unlock()
	s.notify(next)

	var captured uint64
	if h.pipeline != nil {
		captured = h.pipeline.Stats().Captured
	}
	err := h.release()
	if wasActive {
		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.FramesCaptured.Add(ctx, int64(captured))
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.notify(StateIdle)

	observe.Logger(h.ctx).Info("session: idle", "session_id", s.cfg.ID, "via", next.String())
	return err
}

func (s *Session) notify(st State) {
	s.mu.Lock()
	fn := s.onStateChange
	s.mu.Unlock()
	if fn == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	fn(st)
}

// mergeDone returns a context that is done when either a or b is done. It
// carries the values of a.
func mergeDone(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}
