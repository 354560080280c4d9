package session

import (
	"strings"
	"time"
)

// State is the lifecycle state of a [Session].
//
//	Idle → Connecting → Active → Closing → Idle
//	Connecting, Active → Errored → Idle
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Speaker tags a transcript entry.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// TranscriptEntry is one transcription fragment.
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// FormatTranscript renders entries as "speaker: text" lines.
func FormatTranscript(entries []TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(string(e.Speaker))
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
