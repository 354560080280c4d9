package session

import (
	"errors"

	"github.com/MrWong99/voicenexus/internal/capture"
	"github.com/MrWong99/voicenexus/pkg/audio"
)

// Fatal errors end the start attempt or the running session. Both are
// surfaced through [Session.Err] until the next start.
var (
	// ErrPermissionDenied means the microphone could not be acquired.
	ErrPermissionDenied = errors.New("session: microphone permission denied")

	// ErrConnection means the transport failed to open, timed out, or dropped
	// unexpectedly.
	ErrConnection = errors.New("session: connection error")
)

// Per-buffer errors are contained: the affected buffer or frame is dropped
// and the session continues.
var (
	// ErrDecode matches undecodable model audio.
	ErrDecode = audio.ErrDecode

	// ErrTransportSend matches a single outbound frame that failed to send.
	ErrTransportSend = capture.ErrTransportSend

	// ErrEncode is never returned: out-of-range samples are clamped. It exists
	// so callers can classify errors exhaustively.
	ErrEncode = errors.New("session: encode")
)

var (
	// ErrBusy is returned by Start when the session is not idle.
	ErrBusy = errors.New("session: already running")

	// ErrAborted is returned by Start when Stop was called before the
	// session became active.
	ErrAborted = errors.New("session: start aborted")
)

// IsFatal reports whether err ends a session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrConnection)
}
