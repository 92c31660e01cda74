// Package journal records what happened during a voice session: flushed
// utterances, replies from the service, playback outcomes and failures.
//
// Writes go through a [Recorder], which queues entries and hands them to a
// [Store] on its own goroutine so that callers on the session's dispatch path
// never wait for storage. When the queue is full the entry is dropped and
// counted.
package journal

import (
	"context"
	"time"
)

// Action names the kind of turn an [Entry] records.
type Action string

const (
	// ActionUtterance is a flushed utterance sent to the service. Content
	// holds the audio length.
	ActionUtterance Action = "utterance"

	// ActionText is an inbound text reply.
	ActionText Action = "text"

	// ActionServiceError is an inbound text reply the service marked as an
	// error.
	ActionServiceError Action = "service_error"

	// ActionAudio is an inbound audio reply. Content holds the payload size.
	ActionAudio Action = "audio"

	// ActionPlayback is the end of a response clip. Content is empty on
	// success and holds the error otherwise.
	ActionPlayback Action = "playback"

	// ActionError is a transition to the session's error state.
	ActionError Action = "error"
)

// Entry is one journal record.
type Entry struct {
	// SessionID identifies the session that produced the entry.
	SessionID string

	// At is when the turn happened.
	At time.Time

	// Action is the kind of turn.
	Action Action

	// Content is a free-form description such as reply text or an error message.
	Content string

	// Latency is the time since the utterance this turn answers was flushed.
	// Zero when not applicable.
	Latency time.Duration
}

// Store persists journal entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries for sessionID, oldest first. A
	// non-positive limit returns everything.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
