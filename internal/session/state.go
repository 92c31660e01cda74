package session

import (
	"errors"
	"time"
)

// State is the session's canonical state.
type State int

const (
	// Idle: not listening. The channel may or may not be open.
	Idle State = iota

	// Listening: capture is active and utterances are being segmented.
	Listening

	// Processing: an utterance was sent and the session awaits the reply.
	Processing

	// Speaking: a response clip is playing.
	Speaking

	// Error: capture or the channel failed for good. Only Retry leaves it.
	Error
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// active reports whether the session holds the capture device.
func (s State) active() bool {
	return s == Listening || s == Processing || s == Speaking
}

var (
	// ErrInvalidTransition is returned when a command is not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrPermission wraps a refused microphone.
	ErrPermission = errors.New("session: microphone permission denied")

	// ErrStopped is returned by commands issued after the dispatch loop has
	// exited.
	ErrStopped = errors.New("session: machine stopped")

	// ErrInterrupted is returned by Start when a Stop arrived while the
	// devices were still being opened.
	ErrInterrupted = errors.New("session: start interrupted")
)

// Status is a point-in-time view of a session, served by the control API.
type Status struct {
	SessionID         string    `json:"session_id"`
	State             string    `json:"state"`
	Since             time.Time `json:"since"`
	Channel           string    `json:"channel"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Playing           bool      `json:"playing"`
	LastText          string    `json:"last_text,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	Utterances        int       `json:"utterances"`
}
