package capture_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicenexus/internal/capture"
	"github.com/MrWong99/voicenexus/pkg/audio"
	"github.com/MrWong99/voicenexus/pkg/audio/mock"
)

var wire = audio.Format{SampleRate: 16000, Channels: 1}

// recorder is a Sender that stores every chunk it receives.
type recorder struct {
	mu     sync.Mutex
	chunks []audio.EncodedChunk
	failOn map[uint64]bool
	block  chan struct{}
}

func (r *recorder) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[chunk.Seq] {
		return errors.New("network hiccup")
	}
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = c.Seq
	}
	return out
}

func waitDone(t *testing.T, p *capture.Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func frame(seq uint64, n int, v float32) audio.AudioFrame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.AudioFrame{Samples: samples, SampleRate: 16000, Seq: seq}
}

func TestPipeline_ThreeOneSecondFrames(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 3)
	for i := range 3 {
		mic.Feed(frame(uint64(i+1), 16000, float32(i)/10))
	}
	mic.End()

	rec := &recorder{}
	p := capture.New(mic, rec, capture.Config{})
	p.Start(context.Background())
	waitDone(t, p)

	got := rec.seqs()
	if len(got) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Errorf("chunk %d has seq %d, want %d", i, seq, i+1)
		}
		if rec.chunks[i].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d MIME = %q", i, rec.chunks[i].MIMEType)
		}
		buf, err := audio.Decode(rec.chunks[i].Data, 16000, 1)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if buf.Duration() != time.Second {
			t.Errorf("chunk %d duration = %v, want 1s", i, buf.Duration())
		}
	}
	if st := p.Stats(); st.Captured != 3 || st.Sent != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipeline_OrderingUnderVariableEncodeLatency(t *testing.T) {
	t.Parallel()

	const n = 60
	var rngMu sync.Mutex
	rng := rand.New(rand.NewPCG(3, 5))
	slowEncoder := func(f audio.AudioFrame) (audio.EncodedChunk, error) {
		rngMu.Lock()
		// Later frames tend to finish earlier than earlier ones.
		d := time.Duration(rng.IntN(5)) * time.Millisecond
		rngMu.Unlock()
		if f.Seq%2 == 1 {
			d += 3 * time.Millisecond
		}
		time.Sleep(d)
		return capture.PCMEncoder(f)
	}

	mic := mock.NewMicrophone(wire, n)
	for i := range n {
		mic.Feed(frame(uint64(i+1), 64, 0.1))
	}
	mic.End()

	rec := &recorder{}
	p := capture.New(mic, rec, capture.Config{MaxInFlight: 16}, capture.WithEncoder(slowEncoder))
	p.Start(context.Background())
	waitDone(t, p)

	got := rec.seqs()
	if len(got) != n {
		t.Fatalf("sent %d chunks, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("chunk %d has seq %d after %d; order not preserved", i, got[i], got[i-1])
		}
	}
}

func TestPipeline_AssignsSequenceWhenMissing(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 2)
	mic.Feed(audio.AudioFrame{Samples: make([]float32, 8)})
	mic.Feed(audio.AudioFrame{Samples: make([]float32, 8)})
	mic.End()

	rec := &recorder{}
	p := capture.New(mic, rec, capture.Config{})
	p.Start(context.Background())
	waitDone(t, p)

	got := rec.seqs()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("seqs = %v, want [1 2]", got)
	}
	if rec.chunks[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("default sample rate not applied: %q", rec.chunks[0].MIMEType)
	}
}

func TestPipeline_SendErrorDropsFrameAndContinues(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 4)
	for i := range 4 {
		mic.Feed(frame(uint64(i+1), 8, 0))
	}
	mic.End()

	var dropped []uint64
	var mu sync.Mutex
	rec := &recorder{failOn: map[uint64]bool{2: true}}
	p := capture.New(mic, rec, capture.Config{},
		capture.WithSendErrorHandler(func(seq uint64, err error) {
			if !errors.Is(err, capture.ErrTransportSend) {
				t.Errorf("error %v does not wrap ErrTransportSend", err)
			}
			mu.Lock()
			dropped = append(dropped, seq)
			mu.Unlock()
		}))
	p.Start(context.Background())
	waitDone(t, p)

	got := rec.seqs()
	want := []uint64{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent %v, want %v", got, want)
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != 2 {
		t.Errorf("dropped = %v, want [2]", dropped)
	}
	if p.Stats().SendErrors != 1 {
		t.Errorf("SendErrors = %d, want 1", p.Stats().SendErrors)
	}
}

func TestPipeline_StopReleasesMicrophoneAndDiscardsInFlight(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 8)
	rec := &recorder{block: make(chan struct{})}
	p := capture.New(mic, rec, capture.Config{})
	p.Start(context.Background())

	mic.Feed(frame(1, 8, 0))
	mic.Feed(frame(2, 8, 0))

	p.Stop()
	if !mic.Released() {
		t.Fatal("microphone not released synchronously by Stop")
	}
	waitDone(t, p)

	// Unblocking the sender afterwards must not deliver anything.
	close(rec.block)
	if got := rec.seqs(); len(got) != 0 {
		t.Errorf("chunks delivered after Stop: %v", got)
	}
	if mic.Feed(frame(3, 8, 0)) {
		t.Error("microphone accepted frames after Stop")
	}

	p.Stop() // idempotent
}

func TestPipeline_ContextCancelStops(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 1)
	ctx, cancel := context.WithCancel(context.Background())
	p := capture.New(mic, &recorder{}, capture.Config{})
	p.Start(ctx)
	cancel()
	waitDone(t, p)
	if !mic.Released() {
		t.Error("microphone not released after context cancellation")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	t.Parallel()

	mic := mock.NewMicrophone(wire, 1)
	p := capture.New(mic, &recorder{}, capture.Config{})
	p.Stop()
	waitDone(t, p)
	p.Start(context.Background()) // no effect
	if !mic.Released() {
		t.Error("microphone not released")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	p := capture.New(mock.NewMicrophone(wire, 1), &recorder{}, capture.Config{})
	cfg := p.Config()
	if cfg.SampleRate != 16000 || cfg.MaxInFlight != 8 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestPipeline_ForwardsMicrophoneFraming(t *testing.T) {
	t.Parallel()

	src := &mock.MicrophoneSource{}
	m, err := src.Acquire(context.Background(), wire, 4096)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mic := m.(*mock.Microphone)
	f := &audio.Framer{Source: wire, Target: wire.SampleRate, FrameSize: src.LastFrameSize}
	for _, fr := range f.Push(make([]float32, 16000)) {
		mic.Feed(fr)
	}
	if fr, ok := f.Flush(); ok {
		mic.Feed(fr)
	}
	mic.End()

	var (
		mu    sync.Mutex
		sizes []int
	)
	send := capture.SenderFunc(func(_ context.Context, chunk audio.EncodedChunk) error {
		buf, err := audio.Decode(chunk.Data, wire.SampleRate, 1)
		if err != nil {
			return err
		}
		mu.Lock()
		sizes = append(sizes, buf.Frames())
		mu.Unlock()
		return nil
	})
	p := capture.New(mic, send, capture.Config{})
	p.Start(context.Background())
	waitDone(t, p)

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 4 {
		t.Fatalf("chunks = %d (%v), want 4", len(sizes), sizes)
	}
	for i, n := range sizes {
		if n != 4096 {
			t.Errorf("chunk %d has %d samples, want 4096", i, n)
		}
	}
}
