// Package wavfile provides file-backed audio devices: a microphone that
// replays a WAV file and a recorder output that renders scheduled playback
// into a WAV file. They make the live session usable on headless hosts and
// in end-to-end tests.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

const readChunk = 1024

// ── Microphone ────────────────────────────────────────────────────────────────

// MicrophoneSource replays a mono or stereo WAV file as microphone input. The
// file is converted to mono at the requested rate and cut into fixed-size
// frames.
type MicrophoneSource struct {
	// Path is the WAV file to replay.
	Path string

	// Realtime paces frames at their playing duration instead of delivering
	// them as fast as the consumer reads.
	Realtime bool

	// Open overrides how the file is opened. Used in tests.
	Open func(path string) (ReadSeekCloser, error)
}

// ReadSeekCloser is what the WAV decoder needs from a file.
type ReadSeekCloser interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

var _ audio.MicrophoneSource = (*MicrophoneSource)(nil)

// Acquire implements audio.MicrophoneSource. A missing or unreadable file is
// reported as [audio.ErrPermissionDenied].
func (s *MicrophoneSource) Acquire(ctx context.Context, f audio.Format, frameSize int) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	open := s.Open
	if open == nil {
		open = func(path string) (ReadSeekCloser, error) { return os.Open(path) }
	}
	file, err := open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}

	reader := wav.NewReader(file)
	wf, err := reader.Format()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wavfile: read format of %s: %w", s.Path, err)
	}
	if wf.BitsPerSample == 0 || wf.NumChannels == 0 || wf.SampleRate == 0 {
		file.Close()
		return nil, fmt.Errorf("wavfile: %s: unsupported format %+v", s.Path, *wf)
	}
	if wf.NumChannels > 2 {
		file.Close()
		return nil, fmt.Errorf("wavfile: %s has %d channels; mono and stereo are supported", s.Path, wf.NumChannels)
	}

	m := &microphone{
		file:   file,
		reader: reader,
		scale:  float32(int64(1) << (wf.BitsPerSample - 1)),
		srcCh:  int(wf.NumChannels),
		format: audio.Format{SampleRate: f.SampleRate, Channels: 1},
		framer: &audio.Framer{
			Source:    audio.Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)},
			Target:    f.SampleRate,
			FrameSize: frameSize,
		},
		realtime: s.Realtime,
		frames:   make(chan audio.AudioFrame),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.run()

	slog.Info("wavfile: replaying microphone input", "path", s.Path, "source", m.framer.Source.String())
	return m, nil
}

type microphone struct {
	file     ReadSeekCloser
	reader   *wav.Reader
	scale    float32
	srcCh    int
	format   audio.Format
	framer   *audio.Framer
	realtime bool

	frames  chan audio.AudioFrame
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (m *microphone) run() {
	defer close(m.stopped)
	defer close(m.frames)

	next := time.Now()
	emit := func(frame audio.AudioFrame) bool {
		if m.realtime {
			next = next.Add(frame.Duration())
			select {
			case <-time.After(time.Until(next)):
			case <-m.stop:
				return false
			}
		}
		select {
		case m.frames <- frame:
			return true
		case <-m.stop:
			return false
		}
	}

	for {
		samples, err := m.reader.ReadSamples(readChunk)
		if len(samples) > 0 {
			interleaved := make([]float32, 0, len(samples)*m.srcCh)
			for _, smp := range samples {
				for ch := range m.srcCh {
					interleaved = append(interleaved, float32(smp.Values[ch])/m.scale)
				}
			}
			for _, frame := range m.framer.Push(interleaved) {
				if !emit(frame) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("wavfile: read samples", "err", err)
			}
			if frame, ok := m.framer.Flush(); ok {
				emit(frame)
			}
			return
		}
	}
}

func (m *microphone) Frames() <-chan audio.AudioFrame { return m.frames }

func (m *microphone) Format() audio.Format { return m.format }

// Close stops replay and closes the file before returning.
func (m *microphone) Close() error {
	var err error
	m.once.Do(func() {
		close(m.stop)
		<-m.stopped
		err = m.file.Close()
	})
	return err
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Recorder is an audio.Output that renders playback in real time and writes
// the result as a 16-bit WAV file on Close.
type Recorder struct {
	*audio.Timeline

	w        io.WriteCloser
	samples  []wav.Sample
	channels int

	mu        sync.Mutex
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ audio.Output = (*Recorder)(nil)

// NewRecorder starts a recorder writing to path. tick is the render period;
// zero selects 20ms.
func NewRecorder(path string, f audio.Format, tick time.Duration) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create recorder: %w", err)
	}
	return NewRecorderTo(file, f, tick), nil
}

// NewRecorderTo starts a recorder writing to w, which is closed on Close.
func NewRecorderTo(w io.WriteCloser, f audio.Format, tick time.Duration) *Recorder {
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	tl := audio.NewTimeline(f)
	r := &Recorder{
		Timeline: tl,
		w:        w,
		channels: min(tl.Format().Channels, 2),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.run(tick)
	return r
}

// run renders one tick of audio per tick of the wall clock, so Now advances
// in real time like a device clock.
func (r *Recorder) run(tick time.Duration) {
	defer close(r.stopped)

	f := r.Format()
	frames := int(int64(tick) * int64(f.SampleRate) / int64(time.Second))
	buf := make([]float32, frames*f.Channels)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Render(buf)
			r.append(buf, f.Channels)
		}
	}
}

func (r *Recorder) append(interleaved []float32, channels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i+channels <= len(interleaved); i += channels {
		var s wav.Sample
		for ch := range r.channels {
			s.Values[ch] = int(interleaved[i+ch] * 32767)
		}
		r.samples = append(r.samples, s)
	}
}

// Close stops rendering and writes the WAV file. Safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.stopped
		r.Timeline.Close()

		r.mu.Lock()
		samples := r.samples
		r.mu.Unlock()

		f := r.Format()
		ww := wav.NewWriter(r.w, uint32(len(samples)), uint16(r.channels), uint32(f.SampleRate), 16)
		if err := ww.WriteSamples(samples); err != nil {
			r.closeErr = fmt.Errorf("wavfile: write samples: %w", err)
		}
		if err := r.w.Close(); err != nil && r.closeErr == nil {
			r.closeErr = fmt.Errorf("wavfile: close: %w", err)
		}
		slog.Info("wavfile: recording written", "samples", len(samples), "format", f.String())
	})
	return r.closeErr
}
