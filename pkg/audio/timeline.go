package audio

import (
	"sync"
	"time"
)

// Timeline is a sample-accurate [Output] driven by pull-based rendering.
//
// Device adapters call [Timeline.Render] from their audio callback (or from a
// ticker, for file sinks); every call mixes the sources that overlap the
// rendered span and advances the clock by the number of frames produced.
// Buffers are converted to the timeline format when scheduled.
type Timeline struct {
	format Format

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	sources []*timelineSource
	closed  bool
}

var _ Output = (*Timeline)(nil)

// NewTimeline returns a Timeline producing interleaved audio in format f.
func NewTimeline(f Format) *Timeline {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if f.SampleRate <= 0 {
		f.SampleRate = 24000
	}
	return &Timeline{format: f}
}

// Format returns the render format.
func (t *Timeline) Format() Format { return t.format }

// Now returns the playback clock: the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

func (t *Timeline) frameTime(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(t.format.SampleRate)
}

// timeFrame rounds to the nearest frame, so a start time computed by summing
// truncated buffer durations still lands on the frame where the previous
// buffer ended.
func (t *Timeline) timeFrame(d time.Duration) int64 {
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// Schedule implements [Output].
func (t *Timeline) Schedule(buf PlaybackBuffer, at time.Duration, done func()) (Source, error) {
	data := t.convert(buf)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrOutputClosed
	}
	start := max(t.timeFrame(at), t.pos)
	src := &timelineSource{tl: t, start: start, data: data, done: done}
	t.sources = append(t.sources, src)
	return src, nil
}

// convert resamples buf to the timeline rate and maps its channels onto the
// timeline channels. Missing channels repeat the last available one.
func (t *Timeline) convert(buf PlaybackBuffer) [][]float32 {
	out := make([][]float32, t.format.Channels)
	if buf.NumChannels() == 0 {
		return out
	}
	cache := make(map[int][]float32, buf.NumChannels())
	for ch := range out {
		srcCh := min(ch, buf.NumChannels()-1)
		if s, ok := cache[srcCh]; ok {
			out[ch] = s
			continue
		}
		s := Resample(buf.Channels[srcCh], buf.SampleRate, t.format.SampleRate)
		cache[srcCh] = s
		out[ch] = s
	}
	return out
}

// Render fills out with the next len(out)/channels frames of interleaved
// audio, advances the clock, and fires completion callbacks for sources that
// finished inside the rendered span. Mixed samples are clamped to [-1, 1].
func (t *Timeline) Render(out []float32) {
	channels := t.format.Channels
	frames := int64(len(out) / channels)
	clear(out)

	t.mu.Lock()
	from, to := t.pos, t.pos+frames
	var finished []func()
	kept := t.sources[:0]
	for _, src := range t.sources {
		src.mix(out, from, to, channels)
		if src.end() <= to {
			if src.done != nil {
				finished = append(finished, src.done)
			}
			src.finished = true
			continue
		}
		kept = append(kept, src)
	}
	clear(t.sources[len(kept):])
	t.sources = kept
	t.pos = to
	t.mu.Unlock()

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	// Callbacks may re-enter Schedule and must never run on the audio thread.
	for _, fn := range finished {
		go fn()
	}
}

// Pending returns the number of sources not yet finished or stopped.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Close drops every source and rejects further scheduling.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, src := range t.sources {
		src.finished = true
	}
	t.sources = nil
}

func (t *Timeline) remove(src *timelineSource) {
	for i, s := range t.sources {
		if s == src {
			t.sources = append(t.sources[:i], t.sources[i+1:]...)
			return
		}
	}
}

type timelineSource struct {
	tl       *Timeline
	start    int64
	data     [][]float32
	done     func()
	finished bool
}

func (s *timelineSource) end() int64 {
	if len(s.data) == 0 {
		return s.start
	}
	return s.start + int64(len(s.data[0]))
}

func (s *timelineSource) mix(out []float32, from, to int64, channels int) {
	lo := max(from, s.start)
	hi := min(to, s.end())
	for f := lo; f < hi; f++ {
		i := int(f - from)
		j := int(f - s.start)
		for ch := range channels {
			out[i*channels+ch] += s.data[ch][j]
		}
	}
}

// Stop implements [Source].
func (s *timelineSource) Stop() {
	s.tl.mu.Lock()
	defer s.tl.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.tl.remove(s)
}
