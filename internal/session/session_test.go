package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/youpy/go-wav"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicenexus/internal/observe"
	"github.com/MrWong99/voicenexus/internal/session"
	"github.com/MrWong99/voicenexus/pkg/audio"
	audiomock "github.com/MrWong99/voicenexus/pkg/audio/mock"
	"github.com/MrWong99/voicenexus/pkg/audio/wavfile"
	"github.com/MrWong99/voicenexus/pkg/provider/live"
	livemock "github.com/MrWong99/voicenexus/pkg/provider/live/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	transport *livemock.Transport
	mics      *audiomock.MicrophoneSource
	out       *audiomock.Output
	sess      *session.Session

	mu     sync.Mutex
	states []session.State
}

func newFixture(t *testing.T, cfg session.Config, transport *livemock.Transport) *fixture {
	t.Helper()
	if transport == nil {
		transport = &livemock.Transport{AutoOpen: true}
	}
	m, _ := newMetrics(t)
	f := &fixture{
		transport: transport,
		mics:      &audiomock.MicrophoneSource{},
		out:       audiomock.NewOutput(),
	}
	f.sess = session.New(cfg, session.Deps{
		Transport:   f.transport,
		Microphones: f.mics,
		Output:      f.out,
		Metrics:     m,
	})
	f.sess.OnStateChange(func(s session.State) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states = append(f.states, s)
	})
	t.Cleanup(func() { _ = f.sess.Stop() })
	return f
}

func (f *fixture) seen() []session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.states)
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pcm(n int) string {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.Encode(samples)
}

func startActive(t *testing.T, f *fixture) *livemock.Conn {
	t.Helper()
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.sess.State(); got != session.StateActive {
		t.Fatalf("state = %v; want active", got)
	}
	return f.transport.LastConn()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestSession_StartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{ID: "s1"}, nil)
	conn := startActive(t, f)

	mic := f.mics.Last()
	if mic == nil {
		t.Fatal("microphone not acquired")
	}
	if f.mics.LastFormat.SampleRate != 16000 || f.mics.LastFormat.Channels != 1 {
		t.Errorf("microphone format = %+v; want 16 kHz mono", f.mics.LastFormat)
	}
	if cfgs := f.transport.Configs(); len(cfgs) != 1 || cfgs[0].InputSampleRate != 16000 {
		t.Errorf("live configs = %+v", cfgs)
	}
	if f.sess.StartedAt().IsZero() {
		t.Error("StartedAt is zero while active")
	}

	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !mic.Released() {
		t.Error("microphone still held after Stop returned")
	}
	if !conn.Closed() {
		t.Error("connection not closed")
	}
	if got := f.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if err := f.sess.Err(); err != nil {
		t.Errorf("Err = %v; want nil after a clean stop", err)
	}

	want := []session.State{session.StateConnecting, session.StateActive, session.StateClosing, session.StateIdle}
	if got := f.seen(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v; want %v", got, want)
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}

	conn := startActive(t, f)
	for i := range 3 {
		if err := f.sess.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if n := conn.CallCountClose(); n != 1 {
		t.Errorf("connection closed %d times; want 1", n)
	}
	if got := f.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
}

func TestSession_StartWhileRunningIsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	startActive(t, f)
	if err := f.sess.Start(context.Background()); !errors.Is(err, session.ErrBusy) {
		t.Errorf("second Start = %v; want ErrBusy", err)
	}
	if n := f.transport.CallCountOpen(); n != 1 {
		t.Errorf("Open called %d times; want 1", n)
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	first := startActive(t, f)
	if err := f.sess.Stop(); err != nil {
		t.Fatal(err)
	}
	second := startActive(t, f)
	if first == second {
		t.Fatal("restart reused the old connection")
	}
	if n := len(f.mics.Acquired); n != 2 {
		t.Errorf("microphone acquired %d times; want 2", n)
	}
}

// ─── start failures ──────────────────────────────────────────────────────────

func TestSession_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	f.mics.AcquireErr = audio.ErrPermissionDenied

	err := f.sess.Start(context.Background())
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Fatalf("Start = %v; want ErrPermissionDenied", err)
	}
	if !session.IsFatal(err) {
		t.Error("permission error not classified fatal")
	}
	if f.transport.CallCountOpen() != 0 {
		t.Error("transport opened although the microphone was refused")
	}
	if got := f.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if !errors.Is(f.sess.Err(), session.ErrPermissionDenied) {
		t.Errorf("Err = %v", f.sess.Err())
	}
	want := []session.State{session.StateConnecting, session.StateErrored, session.StateIdle}
	if got := f.seen(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v; want %v", got, want)
	}
}

func TestSession_ConnectionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(tr *livemock.Transport)
		// after runs once the connection exists.
		after func(c *livemock.Conn)
	}{
		{
			name:  "open fails",
			setup: func(tr *livemock.Transport) { tr.OpenErr = errors.New("dial refused") },
		},
		{
			name:  "open blocks past the timeout",
			setup: func(tr *livemock.Transport) { tr.Block = make(chan struct{}) },
		},
		{
			name:  "never reports opened",
			setup: func(tr *livemock.Transport) {},
		},
		{
			name:  "closed before opened",
			setup: func(tr *livemock.Transport) {},
			after: func(c *livemock.Conn) { c.Hangup(errors.New("handshake rejected")) },
		},
		{
			name:  "error before opened",
			setup: func(tr *livemock.Transport) {},
			after: func(c *livemock.Conn) { c.EmitError(errors.New("bad model")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := &livemock.Transport{}
			tt.setup(tr)
			f := newFixture(t, session.Config{ConnectTimeout: 50 * time.Millisecond}, tr)
			if tt.after != nil {
				opened := tr.Opened()
				go func() {
					if c, ok := <-opened; ok {
						tt.after(c)
					}
				}()
			}

			err := f.sess.Start(context.Background())
			if !errors.Is(err, session.ErrConnection) {
				t.Fatalf("Start = %v; want ErrConnection", err)
			}
			if got := f.sess.State(); got != session.StateIdle {
				t.Errorf("state = %v; want idle", got)
			}
			if mic := f.mics.Last(); mic == nil || !mic.Released() {
				t.Error("microphone not released after a failed start")
			}
			if c := tr.LastConn(); c != nil && !c.Closed() {
				t.Error("connection left open after a failed start")
			}
		})
	}
}

func TestSession_PermissionPromptTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{PermissionTimeout: 20 * time.Millisecond}, nil)
	f.mics.Block = true

	err := f.sess.Start(context.Background())
	if !errors.Is(err, session.ErrConnection) {
		t.Fatalf("Start = %v; want ErrConnection", err)
	}
	if f.transport.CallCountOpen() != 0 {
		t.Error("transport opened without a microphone")
	}
}

func TestSession_StopDuringConnect(t *testing.T) {
	t.Parallel()

	tr := &livemock.Transport{Block: make(chan struct{})}
	f := newFixture(t, session.Config{ConnectTimeout: 5 * time.Second}, tr)

	errc := make(chan error, 1)
	go func() { errc <- f.sess.Start(context.Background()) }()
	waitFor(t, "Open to be called", func() bool { return len(tr.Configs()) == 1 })

	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mic := f.mics.Last(); mic == nil || !mic.Released() {
		t.Error("microphone not released when Stop returned")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, session.ErrAborted) {
			t.Errorf("Start = %v; want ErrAborted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := f.sess.State(); got != session.StateIdle {
		t.Errorf("state = %v; want idle", got)
	}
	if f.sess.Err() != nil {
		t.Errorf("Err = %v; want nil for a user stop", f.sess.Err())
	}
}

// ─── active routing ──────────────────────────────────────────────────────────

func TestSession_RoutesMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	var (
		mu      sync.Mutex
		entries []session.TranscriptEntry
	)
	f.sess.OnTranscript(func(e session.TranscriptEntry) {
		mu.Lock()
		defer mu.Unlock()
		entries = append(entries, e)
	})
	conn := startActive(t, f)

	conn.EmitMessage(live.Message{
		OutputTranscript: "Hello there",
		InputTranscript:  "Hi",
		Audio:            []live.AudioPayload{{Data: pcm(2400), MIMEType: "audio/pcm;rate=24000"}},
	})
	waitFor(t, "audio to be scheduled", func() bool { return len(f.out.Scheduled()) == 1 })

	got := f.sess.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript = %+v; want 2 entries", got)
	}
	if got[0].Speaker != session.SpeakerModel || got[0].Text != "Hello there" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Speaker != session.SpeakerUser || got[1].Text != "Hi" {
		t.Errorf("entry 1 = %+v", got[1])
	}
	mu.Lock()
	if len(entries) != 2 {
		t.Errorf("OnTranscript saw %d entries; want 2", len(entries))
	}
	mu.Unlock()

	sched := f.out.Scheduled()[0]
	if sched.Buffer.SampleRate != 24000 || sched.Buffer.Frames() != 2400 {
		t.Errorf("scheduled buffer rate=%d frames=%d", sched.Buffer.SampleRate, sched.Buffer.Frames())
	}
}

func TestSession_GaplessPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	conn := startActive(t, f)

	for range 3 {
		conn.EmitAudio(pcm(2400), "audio/pcm;rate=24000") // 100ms each
	}
	waitFor(t, "three buffers", func() bool { return len(f.out.Scheduled()) == 3 })

	for i, s := range f.out.Scheduled() {
		if want := time.Duration(i) * 100 * time.Millisecond; s.At != want {
			t.Errorf("buffer %d starts at %v; want %v", i, s.At, want)
		}
	}
}

func TestSession_Interruption(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	conn := startActive(t, f)

	conn.EmitAudio(pcm(2400), "")
	conn.EmitAudio(pcm(2400), "")
	waitFor(t, "two buffers", func() bool { return len(f.out.Scheduled()) == 2 })

	f.out.Advance(50 * time.Millisecond)
	conn.EmitInterrupted()
	waitFor(t, "sources to stop", func() bool {
		for _, s := range f.out.Scheduled() {
			if !s.Source.Stopped() {
				return false
			}
		}
		return true
	})

	conn.EmitAudio(pcm(2400), "")
	waitFor(t, "post-interrupt buffer", func() bool { return len(f.out.Scheduled()) == 3 })
	if at := f.out.Scheduled()[2].At; at != 50*time.Millisecond {
		t.Errorf("post-interrupt buffer at %v; want current clock 50ms", at)
	}
	if got := f.sess.Stats().Playback.Interruptions; got != 1 {
		t.Errorf("interruptions = %d; want 1", got)
	}
}

func TestSession_DecodeErrorIsContained(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{}, nil)
	conn := startActive(t, f)

	conn.EmitAudio("not base64!!", "")
	conn.EmitAudio(pcm(240), "")
	waitFor(t, "valid buffer", func() bool { return len(f.out.Scheduled()) == 1 })

	if got := f.sess.State(); got != session.StateActive {
		t.Errorf("state = %v; want active after a bad payload", got)
	}
	if got := f.sess.Stats().Playback.Dropped; got != 1 {
		t.Errorf("dropped = %d; want 1", got)
	}
}

func TestSession_StreamsMicrophoneWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{FrameSize: 160}, nil)
	conn := startActive(t, f)
	mic := f.mics.Last()

	for i := range 5 {
		mic.Feed(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: 16000, Seq: uint64(i + 1)})
	}
	waitFor(t, "frames to be sent", func() bool { return len(conn.Sent()) == 5 })

	for i, c := range conn.Sent() {
		if c.Seq != uint64(i+1) {
			t.Errorf("chunk %d has seq %d; frames reordered", i, c.Seq)
		}
		if c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d MIME = %q", i, c.MIMEType)
		}
	}

	if err := f.sess.Stop(); err != nil {
		t.Fatal(err)
	}
	if mic.Feed(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: 16000}) {
		t.Error("microphone still accepting frames after Stop")
	}
}

func TestSession_DefaultFrameSize(t *testing.T) {
	t.Parallel()

	// One second of 16 kHz audio.
	path := filepath.Join(t.TempDir(), "speech.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]wav.Sample, 16000)
	for i := range samples {
		samples[i].Values[0] = 8192
	}
	if err := wav.NewWriter(file, uint32(len(samples)), 1, 16000, 16).WriteSamples(samples); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	m, _ := newMetrics(t)
	transport := &livemock.Transport{AutoOpen: true}
	sess := session.New(session.Config{ID: "wav"}, session.Deps{
		Transport:   transport,
		Microphones: &wavfile.MicrophoneSource{Path: path},
		Output:      audiomock.NewOutput(),
		Metrics:     m,
	})
	t.Cleanup(func() { _ = sess.Stop() })

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := transport.LastConn()
	// 16000 samples -> 3 full frames plus one padded frame.
	waitFor(t, "all frames sent", func() bool { return len(conn.Sent()) == 4 })

	for i, c := range conn.Sent() {
		buf, err := audio.Decode(c.Data, 16000, 1)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if buf.Frames() != 4096 {
			t.Errorf("chunk %d has %d samples; want 4096", i, buf.Frames())
		}
	}
}

func TestSession_SendErrorIsContained(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Config{FrameSize: 160}, nil)
	conn := startActive(t, f)
	conn.SetSendErr(errors.New("socket buffer full"))

	mic := f.mics.Last()
	mic.Feed(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: 16000, Seq: 1})
	waitFor(t, "send error", func() bool { return f.sess.Stats().Capture.SendErrors == 1 })

	conn.SetSendErr(nil)
	mic.Feed(audio.AudioFrame{Samples: make([]float32, 160), SampleRate: 16000, Seq: 2})
	waitFor(t, "recovered send", func() bool { return len(conn.Sent()) == 1 })
	if got := f.sess.State(); got != session.StateActive {
		t.Errorf("state = %v; want active", got)
	}
}

// ─── remote termination ──────────────────────────────────────────────────────

func TestSession_RemoteClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		end       func(c *livemock.Conn)
		wantErr   error
		wantState session.State
	}{
		{
			name:      "clean close",
			end:       func(c *livemock.Conn) { c.Hangup(nil) },
			wantState: session.StateClosing,
		},
		{
			name:      "connection dropped",
			end:       func(c *livemock.Conn) { c.Hangup(errors.New("connection reset")) },
			wantErr:   session.ErrConnection,
			wantState: session.StateErrored,
		},
		{
			name:      "transport error",
			end:       func(c *livemock.Conn) { c.EmitError(errors.New("quota exceeded")) },
			wantErr:   session.ErrConnection,
			wantState: session.StateErrored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, session.Config{}, nil)
			conn := startActive(t, f)
			mic := f.mics.Last()

			tt.end(conn)
			waitFor(t, "idle", func() bool { return f.sess.State() == session.StateIdle })

			if tt.wantErr == nil && f.sess.Err() != nil {
				t.Errorf("Err = %v; want nil", f.sess.Err())
			}
			if tt.wantErr != nil && !errors.Is(f.sess.Err(), tt.wantErr) {
				t.Errorf("Err = %v; want %v", f.sess.Err(), tt.wantErr)
			}
			if !mic.Released() {
				t.Error("microphone not released")
			}
			waitFor(t, "final transition", func() bool {
				s := f.seen()
				return len(s) > 0 && s[len(s)-1] == session.StateIdle
			})
			seen := f.seen()
			if got := seen[len(seen)-2]; got != tt.wantState {
				t.Errorf("passed through %v; want %v", got, tt.wantState)
			}
		})
	}
}

// ─── stale events ────────────────────────────────────────────────────────────

// lingeringConn keeps its event stream open after Close, like a socket whose
// read side delivers late frames.
type lingeringConn struct {
	events chan live.Event
	mu     sync.Mutex
	closed bool
}

func (c *lingeringConn) Send(context.Context, audio.EncodedChunk) error { return nil }
func (c *lingeringConn) Events() <-chan live.Event                      { return c.events }
func (c *lingeringConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type lingeringTransport struct {
	mu    sync.Mutex
	conns []*lingeringConn
}

func (t *lingeringTransport) Name() string { return "lingering" }
func (t *lingeringTransport) Open(context.Context, live.Config) (live.Conn, error) {
	c := &lingeringConn{events: make(chan live.Event, 16)}
	c.events <- live.Event{Type: live.EventOpened}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func TestSession_DiscardsEventsFromClosedConnection(t *testing.T) {
	t.Parallel()

	m, _ := newMetrics(t)
	tr := &lingeringTransport{}
	out := audiomock.NewOutput()
	sess := session.New(session.Config{}, session.Deps{
		Transport:   tr,
		Microphones: &audiomock.MicrophoneSource{},
		Output:      out,
		Metrics:     m,
	})
	t.Cleanup(func() { _ = sess.Stop() })

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	old := tr.conns[0]
	old.events <- live.Event{Type: live.EventMessage, Message: live.Message{
		OutputTranscript: "late",
		Audio:            []live.AudioPayload{{Data: pcm(240)}},
	}}
	old.events <- live.Event{Type: live.EventClosed, Err: errors.New("late failure")}

	current := tr.conns[1]
	current.events <- live.Event{Type: live.EventMessage, Message: live.Message{OutputTranscript: "fresh"}}
	waitFor(t, "fresh entry", func() bool { return len(sess.Transcript()) >= 1 })

	// Give the old loop time to drain its queue.
	time.Sleep(50 * time.Millisecond)

	if got := sess.Transcript(); len(got) != 1 || got[0].Text != "fresh" {
		t.Errorf("transcript = %+v; want only the fresh entry", got)
	}
	if n := len(out.Scheduled()); n != 0 {
		t.Errorf("%d stale buffers scheduled", n)
	}
	if got := sess.State(); got != session.StateActive {
		t.Errorf("state = %v; stale close event leaked into the new session", got)
	}
}

// ─── transcript lifetime ─────────────────────────────────────────────────────

func TestSession_TranscriptOnRestart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		keep bool
		want int
	}{
		{name: "cleared by default", keep: false, want: 0},
		{name: "kept when configured", keep: true, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, session.Config{KeepTranscript: tt.keep}, nil)
			conn := startActive(t, f)
			conn.EmitMessage(live.Message{InputTranscript: "remember me"})
			waitFor(t, "entry", func() bool { return len(f.sess.Transcript()) == 1 })

			if err := f.sess.Stop(); err != nil {
				t.Fatal(err)
			}
			if got := len(f.sess.Transcript()); got != 1 {
				t.Errorf("transcript after stop has %d entries; want 1", got)
			}

			startActive(t, f)
			if got := len(f.sess.Transcript()); got != tt.want {
				t.Errorf("transcript after restart has %d entries; want %d", got, tt.want)
			}
		})
	}
}

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	got := session.FormatTranscript([]session.TranscriptEntry{
		{Speaker: session.SpeakerUser, Text: "Hi"},
		{Speaker: session.SpeakerModel, Text: "Hello!"},
	})
	if want := "user: Hi\nmodel: Hello!\n"; got != want {
		t.Errorf("FormatTranscript = %q; want %q", got, want)
	}
}

// ─── metrics ─────────────────────────────────────────────────────────────────

func TestSession_RecordsStartOutcomes(t *testing.T) {
	t.Parallel()

	m, reader := newMetrics(t)
	mics := &audiomock.MicrophoneSource{}
	sess := session.New(session.Config{}, session.Deps{
		Transport:   &livemock.Transport{AutoOpen: true},
		Microphones: mics,
		Output:      audiomock.NewOutput(),
		Metrics:     m,
	})
	t.Cleanup(func() { _ = sess.Stop() })

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = sess.Stop()
	mics.AcquireErr = audio.ErrPermissionDenied
	_ = sess.Start(context.Background())

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicenexus.session.starts" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				counts[v.AsString()] += dp.Value
			}
		}
	}
	if counts[observe.OutcomeOK] != 1 || counts[observe.OutcomePermissionDenied] != 1 {
		t.Errorf("start outcomes = %v", counts)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for st, want := range map[session.State]string{
		session.StateIdle:       "idle",
		session.StateConnecting: "connecting",
		session.StateActive:     "active",
		session.StateClosing:    "closing",
		session.StateErrored:    "errored",
		session.State(42):       "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", int(st), got, want)
		}
	}
}
