package memory

import "time"

// Speaker values used by the live session.
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// TranscriptEntry is one transcription fragment written to the session log.
type TranscriptEntry struct {
	// Speaker is "user" or "model".
	Speaker string `json:"speaker"`

	// Text is the fragment as delivered by the transport.
	Text string `json:"text"`

	// Timestamp is when the fragment arrived.
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID         string    `json:"id"`
	Entries    int       `json:"entries"`
	FirstEntry time.Time `json:"first_entry"`
	LastEntry  time.Time `json:"last_entry"`
}
