// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream] and [audio.Output] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(8)
//	mic := &mock.Microphone{OpenResult: stream}
//	s, err := mic.Open(ctx, audio.CaptureConfig{SampleRate: 16000})
//	stream.Push(audio.AudioFrame{Seq: 1, Samples: samples})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Frames are
// injected with [CaptureStream.Push]; [CaptureStream.Fail] ends the stream with
// an error.
type CaptureStream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool
	err    error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a stream whose Frames channel has the given buffer.
func NewCaptureStream(buffer int) *CaptureStream {
	return &CaptureStream{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream]. Closes the Frames channel once.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Push delivers f on the Frames channel. It reports false if the stream has
// already been closed. Push blocks while the buffer is full.
func (s *CaptureStream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Fail ends the stream with err, as a failing device would.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Closed reports whether Close or Fail has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, Open creates a fresh
	// [CaptureStream] with a buffer of 64 and records it in Streams.
	OpenResult *CaptureStream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenCalls records the config of every Open invocation.
	OpenCalls []audio.CaptureConfig

	// Streams holds every stream handed out by Open, in order.
	Streams []*CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, cfg)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	s := m.OpenResult
	if s == nil || s.Closed() {
		s = NewCaptureStream(64)
	}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// LastStream returns the most recent stream handed out by Open, or nil.
func (m *Microphone) LastStream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// CallCountOpen returns the number of Open calls.
func (m *Microphone) CallCountOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output].
//
// By default Play returns immediately. Set Block to make Play wait until the
// test calls [Output.Finish] or the context is cancelled.
type Output struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// PlayError is returned by Play after the clip "finishes".
	PlayError error

	// Block makes Play wait for Finish or cancellation.
	Block bool

	// Clips records every clip passed to Play, in order.
	Clips []audio.Clip

	// Cancelled counts plays that ended through context cancellation.
	Cancelled int

	finish  chan struct{}
	started chan struct{}
}

// Play implements [audio.Output].
func (o *Output) Play(ctx context.Context, clip audio.Clip) error {
	o.mu.Lock()
	o.Clips = append(o.Clips, clip)
	block := o.Block
	if o.finish == nil {
		o.finish = make(chan struct{}, 16)
	}
	finish := o.finish
	started := o.started
	playErr := o.PlayError
	o.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if !block {
		return playErr
	}
	select {
	case <-ctx.Done():
		o.mu.Lock()
		o.Cancelled++
		o.mu.Unlock()
		return ctx.Err()
	case <-finish:
		return playErr
	}
}

// Format implements [audio.Output].
func (o *Output) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.FormatResult
}

// Finish lets one blocked Play call return.
func (o *Output) Finish() {
	o.mu.Lock()
	if o.finish == nil {
		o.finish = make(chan struct{}, 16)
	}
	finish := o.finish
	o.mu.Unlock()
	finish <- struct{}{}
}

// Started returns a channel that receives a value each time Play begins.
// The channel must be requested before the Play calls of interest.
func (o *Output) Started() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started == nil {
		o.started = make(chan struct{}, 16)
	}
	return o.started
}

// PlayedClips returns a copy of the recorded clips.
func (o *Output) PlayedClips() []audio.Clip {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]audio.Clip, len(o.Clips))
	copy(out, o.Clips)
	return out
}

// CancelCount returns how many plays were cancelled.
func (o *Output) CancelCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Cancelled
}

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Output        = (*Output)(nil)
)
