// Package audio defines the device-facing types and interfaces of the voxlink
// voice client.
//
// The two collaborator abstractions are:
//
//   - [Microphone] grants access to a capture device and returns a
//     [CaptureStream] of fixed-size [AudioFrame] values.
//   - [Output] plays one decoded [Clip] and reports completion.
//
// Implementations live in backend packages (audio/portaudio, audio/wavfile,
// audio/null). Test doubles live in audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned (possibly wrapped) by [Microphone.Open]
// when the platform refuses access to the capture device.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// CaptureConfig describes the stream a [Microphone] should produce.
type CaptureConfig struct {
	// SampleRate in Hz. Typical: 16000.
	SampleRate int

	// FrameSize is the number of samples per frame (per channel).
	FrameSize int

	// Channels is the channel count. The session engine only supports mono.
	Channels int
}

// CaptureStream is an open capture session on a [Microphone].
//
// Frames are delivered in capture order with strictly increasing
// [AudioFrame.Seq]. The channel returned by Frames is closed when the stream
// ends, either because Close was called or because the device failed; Err
// reports the failure in the latter case.
type CaptureStream interface {
	// Frames returns the read-only frame channel.
	Frames() <-chan AudioFrame

	// Err returns the error that ended the stream, or nil.
	Err() error

	// Close stops capture and closes the Frames channel. Safe to call more
	// than once.
	Close() error
}

// Microphone is the capture-source collaborator.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the capture device. This is where the platform asks for
	// permission; a refusal must wrap [ErrPermissionDenied].
	Open(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// Output is the playback-device collaborator.
//
// Implementations must be safe for concurrent use, but the playback
// controller never calls Play concurrently with itself.
type Output interface {
	// Play blocks until clip has been played completely, ctx is cancelled, or
	// the device fails. A cancelled playback returns ctx.Err().
	Play(ctx context.Context, clip Clip) error

	// Format returns the device format clips should be converted to before
	// Play is called. A zero SampleRate means any rate is accepted.
	Format() Format
}
