package audio

import "time"

// AudioFrame is a fixed-size batch of consecutive mono samples read from a
// microphone. Frames are ephemeral: the capture pipeline encodes and sends
// each one and then drops it.
type AudioFrame struct {
	// Samples holds float samples in [-1, 1]. Values outside the range are
	// clamped during encoding.
	Samples []float32

	// SampleRate in Hz (16000 for the live wire format).
	SampleRate int

	// Seq is the capture index of the frame, starting at 1 for each
	// microphone acquisition.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// EncodedChunk is the outbound wire payload for one captured frame:
// base64-encoded 16-bit little-endian PCM plus its MIME tag.
type EncodedChunk struct {
	// Data is the base64 text of the PCM bytes.
	Data string `json:"data"`

	// MIMEType is "audio/pcm;rate=<rate>".
	MIMEType string `json:"mimeType"`

	// Seq carries the capture index of the source frame. It is not part of the
	// wire payload.
	Seq uint64 `json:"-"`
}

// PlaybackBuffer is a decoded, de-interleaved multi-channel buffer ready to
// be handed to an [Output].
type PlaybackBuffer struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels holds one slice of float samples per channel. All slices have
	// the same length.
	Channels [][]float32
}

// NumChannels returns the number of channels in the buffer.
func (b PlaybackBuffer) NumChannels() int { return len(b.Channels) }

// Frames returns the number of sample frames (samples per channel).
func (b PlaybackBuffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playing time of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
