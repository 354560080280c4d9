// Package audio defines the audio types, the PCM wire codec, and the device
// interfaces used by a live voice session.
//
// The device abstractions are:
//
//   - [MicrophoneSource] acquires a capture device and returns a [Microphone]
//     delivering fixed-size [AudioFrame] values.
//   - [Output] is a playback device with its own clock on which decoded
//     [PlaybackBuffer] values are scheduled at absolute times.
//
// Implementations live in adapter packages (audio/portaudio, audio/wavfile,
// audio/mock). This package lives under pkg/ because third-party device
// adapters are expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [MicrophoneSource.Acquire] when access to
// the capture device is refused.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrOutputClosed is returned by [Output.Schedule] after the device is closed.
var ErrOutputClosed = errors.New("audio: output closed")

// MicrophoneSource acquires capture devices.
//
// Implementations must be safe for concurrent use.
type MicrophoneSource interface {
	// Acquire opens the capture device and starts delivering mono frames of
	// exactly frameSize samples in format f. The supplied ctx bounds the
	// acquisition only; the returned Microphone runs until Close.
	//
	// Returns an error wrapping [ErrPermissionDenied] when the device cannot be
	// used because access was refused.
	Acquire(ctx context.Context, f Format, frameSize int) (Microphone, error)
}

// Microphone is an acquired capture device. It is singly owned by the
// session that acquired it.
type Microphone interface {
	// Frames returns the channel of captured frames. The channel is closed
	// after Close or when the device stops producing audio (end of file,
	// device unplugged).
	Frames() <-chan AudioFrame

	// Format returns the format frames are delivered in.
	Format() Format

	// Close stops capture and releases the device synchronously. It is safe to
	// call more than once.
	Close() error
}

// Source is a handle to one scheduled or playing buffer on an [Output].
type Source interface {
	// Stop halts the source immediately. Stopping a finished source is a
	// no-op.
	Stop()
}

// Output is a playback device with a monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current playback clock time.
	Now() time.Duration

	// Schedule queues buf to start playing at the absolute clock time at. If at
	// is already in the past playback starts immediately. done is invoked once
	// when the buffer finishes playing naturally; it is not invoked for a
	// source halted with [Source.Stop]. Implementations must not invoke done
	// synchronously from within Schedule or Stop.
	Schedule(buf PlaybackBuffer, at time.Duration, done func()) (Source, error)
}
