package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pcmScale maps float samples in [-1, 1] onto the signed 16-bit range.
const pcmScale = 32768.0

// mimePrefix is the MIME type of raw 16-bit little-endian PCM audio. The
// sample rate is carried as a parameter.
const mimePrefix = "audio/pcm"

// ErrDecode is matched by every [DecodeError] via [errors.Is].
var ErrDecode = errors.New("audio: decode")

// DecodeError describes an inbound audio payload that could not be turned into
// a [PlaybackBuffer]. Decode errors are local to a single buffer.
type DecodeError struct {
	// Reason is a short human-readable description of the failure.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// MIMEType returns the MIME tag for PCM audio at rate Hz,
// e.g. "audio/pcm;rate=16000".
func MIMEType(rate int) string {
	return mimePrefix + ";rate=" + strconv.Itoa(rate)
}

// ParseMIMERate extracts the rate parameter from a PCM MIME tag. It reports
// false when mime is not PCM or carries no valid rate.
func ParseMIMERate(mime string) (int, bool) {
	base, params, _ := strings.Cut(mime, ";")
	if !strings.EqualFold(strings.TrimSpace(base), mimePrefix) {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// Encode converts float samples to 16-bit little-endian PCM and returns the
// base64 text of the bytes. Each sample is scaled by 32768, rounded, and
// clamped to [-32768, 32767], so samples at or above 1.0 do not wrap.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM(samples))
}

// EncodePCM converts float samples to raw 16-bit little-endian PCM bytes.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// EncodeChunk encodes samples captured at rate Hz into an [EncodedChunk].
func EncodeChunk(samples []float32, rate int) EncodedChunk {
	return EncodedChunk{
		Data:     Encode(samples),
		MIMEType: MIMEType(rate),
	}
}

// Decode base64-decodes payload, reinterprets the bytes as interleaved 16-bit
// little-endian samples across channels, and rescales each sample by
// 1/32768. It returns a [*DecodeError] when the payload is not valid base64
// or its length is not a multiple of channels*2.
func Decode(payload string, sampleRate, channels int) (PlaybackBuffer, error) {
	if sampleRate <= 0 {
		return PlaybackBuffer{}, &DecodeError{Reason: fmt.Sprintf("invalid sample rate %d", sampleRate)}
	}
	if channels <= 0 {
		return PlaybackBuffer{}, &DecodeError{Reason: fmt.Sprintf("invalid channel count %d", channels)}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return PlaybackBuffer{}, &DecodeError{Reason: "malformed base64", Err: err}
	}
	return DecodePCM(raw, sampleRate, channels)
}

// DecodePCM is [Decode] for payloads that are already raw bytes.
func DecodePCM(raw []byte, sampleRate, channels int) (PlaybackBuffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return PlaybackBuffer{}, &DecodeError{Reason: fmt.Sprintf("invalid format %dHz/%dch", sampleRate, channels)}
	}
	if len(raw)%(channels*2) != 0 {
		return PlaybackBuffer{}, &DecodeError{
			Reason: fmt.Sprintf("%d bytes is not a multiple of %d", len(raw), channels*2),
		}
	}

	frames := len(raw) / (channels * 2)
	buf := PlaybackBuffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := range channels {
		data := make([]float32, frames)
		for i := range frames {
			off := (i*channels + ch) * 2
			data[i] = float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / pcmScale
		}
		buf.Channels[ch] = data
	}
	return buf, nil
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * pcmScale)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
