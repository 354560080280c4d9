package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// Downmix averages interleaved samples across channels into mono. A trailing
// partial frame is dropped. With channels <= 1 the input is returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is non-positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Framer converts arbitrarily sized device reads in a source format into
// fixed-size mono frames at the target rate. It logs once when conversion is
// needed. Create one per stream; not designed for shared use across
// goroutines.
type Framer struct {
	Source    Format
	Target    int // target sample rate
	FrameSize int

	pending []float32
	seq     uint64
	emitted time.Duration
	warned  sync.Once
}

// Push appends interleaved samples read from the device and returns every
// complete frame that is now available.
func (f *Framer) Push(interleaved []float32) []AudioFrame {
	mono := Downmix(interleaved, f.Source.Channels)
	if f.Source.SampleRate != f.Target || f.Source.Channels > 1 {
		f.warned.Do(func() {
			slog.Debug("audio framer: converting device format",
				"from", f.Source.String(),
				"to", Format{SampleRate: f.Target, Channels: 1}.String(),
			)
		})
		mono = Resample(mono, f.Source.SampleRate, f.Target)
	}
	f.pending = append(f.pending, mono...)

	var frames []AudioFrame
	for f.FrameSize > 0 && len(f.pending) >= f.FrameSize {
		frames = append(frames, f.next(f.pending[:f.FrameSize:f.FrameSize]))
		f.pending = f.pending[f.FrameSize:]
	}
	return frames
}

// Flush returns the remaining samples as a final frame padded with silence,
// or false if nothing is pending.
func (f *Framer) Flush() (AudioFrame, bool) {
	if len(f.pending) == 0 {
		return AudioFrame{}, false
	}
	samples := make([]float32, max(f.FrameSize, len(f.pending)))
	copy(samples, f.pending)
	f.pending = nil
	return f.next(samples), true
}

func (f *Framer) next(samples []float32) AudioFrame {
	f.seq++
	frame := AudioFrame{
		Samples:    append([]float32(nil), samples...),
		SampleRate: f.Target,
		Seq:        f.seq,
		Timestamp:  f.emitted,
	}
	f.emitted += frame.Duration()
	return frame
}
