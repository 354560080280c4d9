// Package portaudio provides audio.MicrophoneSource and audio.Output
// implementations backed by the PortAudio library (cgo).
//
// PortAudio is initialised lazily and reference counted: every acquired
// microphone and open speaker holds one reference, released on Close.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

var (
	initMu   sync.Mutex
	initRefs int
)

func acquireLib() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func releaseLib() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio: terminate", "err", err)
		}
	}
}

// Device describes one host audio device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices lists every device known to PortAudio.
func Devices() ([]Device, error) {
	if err := acquireLib(); err != nil {
		return nil, err
	}
	defer releaseLib()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for i, d := range infos {
		dev := Device{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

// resolve returns the device at index, or the default device when index < 0.
func resolve(index int, input bool) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(infos) {
		return nil, fmt.Errorf("portaudio: device %d does not exist (%d devices)", index, len(infos))
	}
	d := infos[index]
	if input && d.MaxInputChannels == 0 {
		return nil, fmt.Errorf("portaudio: device %d (%s) has no inputs", index, d.Name)
	}
	if !input && d.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("portaudio: device %d (%s) has no outputs", index, d.Name)
	}
	return d, nil
}

// ── Microphone ────────────────────────────────────────────────────────────────

// MicrophoneSource opens PortAudio capture devices.
type MicrophoneSource struct {
	// DeviceIndex selects the device from [Devices]. Negative means the host
	// default input.
	DeviceIndex int

	// Buffer is the frame channel capacity. Default: 16.
	Buffer int
}

var _ audio.MicrophoneSource = (*MicrophoneSource)(nil)

// Acquire implements audio.MicrophoneSource. Any failure to open the device
// is reported as a refused permission: PortAudio does not distinguish a
// denied device from an unavailable one.
func (s *MicrophoneSource) Acquire(ctx context.Context, f audio.Format, frameSize int) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireLib(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}

	dev, err := resolve(s.DeviceIndex, true)
	if err != nil {
		releaseLib()
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}

	buffer := s.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	m := &microphone{
		format: audio.Format{SampleRate: f.SampleRate, Channels: 1},
		frames: make(chan audio.AudioFrame, buffer),
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Channels = 0
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = frameSize

	stream, err := portaudio.OpenStream(params, m.callback)
	if err != nil {
		releaseLib()
		return nil, fmt.Errorf("%w: open %s: %w", audio.ErrPermissionDenied, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releaseLib()
		return nil, fmt.Errorf("%w: start %s: %w", audio.ErrPermissionDenied, dev.Name, err)
	}
	m.stream = stream

	slog.Info("portaudio: microphone acquired",
		"device", dev.Name,
		"format", m.format.String(),
		"frame_size", frameSize,
	)
	return m, nil
}

type microphone struct {
	format audio.Format
	frames chan audio.AudioFrame
	stream *portaudio.Stream

	seq     uint64
	elapsed time.Duration
	dropped uint64

	closeOnce sync.Once
}

// callback runs on the PortAudio thread and must not block.
func (m *microphone) callback(in []float32) {
	m.seq++
	frame := audio.AudioFrame{
		Samples:    append([]float32(nil), in...),
		SampleRate: m.format.SampleRate,
		Seq:        m.seq,
		Timestamp:  m.elapsed,
	}
	m.elapsed += frame.Duration()
	select {
	case m.frames <- frame:
	default:
		m.dropped++
	}
}

func (m *microphone) Frames() <-chan audio.AudioFrame { return m.frames }

func (m *microphone) Format() audio.Format { return m.format }

// Close stops the stream before closing the channel; Pa_StopStream waits for
// the last callback to return.
func (m *microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop microphone: %w", stopErr)
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close microphone: %w", closeErr)
		}
		close(m.frames)
		releaseLib()
		if m.dropped > 0 {
			slog.Warn("portaudio: microphone overruns", "dropped_frames", m.dropped)
		}
	})
	return err
}

// ── Speaker ───────────────────────────────────────────────────────────────────

// Speaker is an audio.Output playing on a PortAudio device. Its clock is the
// amount of audio rendered by the device callback.
type Speaker struct {
	*audio.Timeline

	stream    *portaudio.Stream
	closeOnce sync.Once
}

var _ audio.Output = (*Speaker)(nil)

// OpenSpeaker opens the output device at index (negative for the host
// default) rendering in format f.
func OpenSpeaker(index int, f audio.Format, framesPerBuffer int) (*Speaker, error) {
	if err := acquireLib(); err != nil {
		return nil, err
	}
	dev, err := resolve(index, false)
	if err != nil {
		releaseLib()
		return nil, err
	}

	sp := &Speaker{Timeline: audio.NewTimeline(f)}
	f = sp.Timeline.Format()

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Channels = 0
	params.Output.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, func(out []float32) {
		sp.Render(out)
	})
	if err != nil {
		releaseLib()
		return nil, fmt.Errorf("portaudio: open speaker %s: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releaseLib()
		return nil, fmt.Errorf("portaudio: start speaker %s: %w", dev.Name, err)
	}
	sp.stream = stream

	slog.Info("portaudio: speaker opened", "device", dev.Name, "format", f.String())
	return sp, nil
}

// Close stops playback and releases the device. Safe to call more than once.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Timeline.Close()
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop speaker: %w", stopErr)
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close speaker: %w", closeErr)
		}
		releaseLib()
	})
	return err
}
