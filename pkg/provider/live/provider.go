// Package live defines the Transport interface for real-time voice model
// backends.
//
// A live transport wraps a hosted model that accepts a continuous stream of
// microphone audio and answers with synthesised speech, transcripts of both
// sides of the conversation, and barge-in notifications, all over a single
// long-lived bidirectional connection. Examples include the Gemini Live API
// and the OpenAI Realtime API.
//
// The central abstraction is [Conn]: outbound audio goes through
// [Conn.Send]; everything the remote side does arrives as an ordered stream
// of [Event] values on [Conn.Events].
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicenexus/pkg/audio"
)

// ErrClosed is returned by [Conn.Send] after the connection was closed.
var ErrClosed = errors.New("live: connection closed")

// Modality names a kind of model output.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Config is the configuration sent when a connection is opened.
type Config struct {
	// Model selects the provider model. Empty means the transport default.
	Model string

	// InputSampleRate is the sample rate of outbound PCM audio in Hz.
	InputSampleRate int

	// ResponseModalities lists the output kinds requested from the model.
	// Defaults to audio only.
	ResponseModalities []Modality

	// InputTranscription asks the model to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the model to transcribe its own speech.
	OutputTranscription bool

	// Voice is the provider-specific prebuilt voice name (e.g. "Zephyr").
	Voice string

	// SystemInstruction is the system-level prompt for the conversation.
	SystemInstruction string
}

// Modalities returns ResponseModalities, or audio only when unset.
func (c Config) Modalities() []Modality {
	if len(c.ResponseModalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.ResponseModalities
}

// EventType classifies an [Event].
type EventType int

const (
	// EventOpened confirms the remote session is ready to accept audio.
	EventOpened EventType = iota

	// EventMessage carries a [Message] from the model.
	EventMessage

	// EventError reports a transport or protocol failure. It is usually
	// followed by EventClosed.
	EventError

	// EventClosed is the last event on a connection.
	EventClosed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one server message. Any combination of fields may be set.
type Message struct {
	// InputTranscript is a fragment of the user's recognised speech.
	InputTranscript string

	// OutputTranscript is a fragment of the model's spoken response.
	OutputTranscript string

	// Audio holds base64 16-bit little-endian PCM payloads, in arrival order.
	Audio []AudioPayload

	// Interrupted reports that the model detected the user barging in and
	// stopped generating; buffered playback must be dropped.
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool
}

// AudioPayload is one chunk of model audio as received on the wire.
type AudioPayload struct {
	// Data is base64 text of the raw PCM bytes.
	Data string

	// MIMEType is the tag sent by the model, e.g. "audio/pcm;rate=24000".
	// May be empty.
	MIMEType string
}

// Event is one item on [Conn.Events].
type Event struct {
	Type EventType

	// Message is set for EventMessage.
	Message Message

	// Err is set for EventError and, when the close was abnormal, for
	// EventClosed.
	Err error
}

// Conn is an open connection to a live model. Exactly one session owns it.
type Conn interface {
	// Send transmits one encoded audio chunk. It returns [ErrClosed] after
	// Close and must not be called after the Events channel has closed.
	Send(ctx context.Context, chunk audio.EncodedChunk) error

	// Events returns the inbound event stream. The first event is
	// EventOpened (or EventError/EventClosed if setup failed); the last is
	// EventClosed, after which the channel is closed.
	Events() <-chan Event

	// Close terminates the connection. It is safe to call more than once.
	Close() error
}

// Transport opens connections to one live backend.
type Transport interface {
	// Name identifies the backend in logs and metrics (e.g. "gemini-live").
	Name() string

	// Open dials the backend and sends the initial configuration. The
	// returned Conn may still be waiting for the remote side to confirm the
	// session; callers wait for EventOpened before sending audio.
	Open(ctx context.Context, cfg Config) (Conn, error)
}

// ProtocolError is a failure reported by the remote model itself.
type ProtocolError struct {
	Provider string
	Code     int
	Status   string
	Message  string
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Provider, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}
