// Package null provides audio devices that do nothing: a microphone that never
// delivers a frame and an output that discards every clip.
//
// It lets voxlink run headless, for example to exercise the control API or the
// service connection on a machine without sound hardware.
package null

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Microphone opens capture streams that stay silent until closed.
type Microphone struct{}

// Open implements [audio.Microphone].
func (Microphone) Open(ctx context.Context, _ audio.CaptureConfig) (audio.CaptureStream, error) {
	s := &stream{frames: make(chan audio.AudioFrame), done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		close(s.frames)
	}()
	return s, nil
}

type stream struct {
	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Err() error { return nil }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Output accepts clips of any format and returns immediately.
type Output struct{}

// Play implements [audio.Output]. It only reports cancellation.
func (Output) Play(ctx context.Context, _ audio.Clip) error { return ctx.Err() }

// Format implements [audio.Output].
func (Output) Format() audio.Format { return audio.Format{} }

var (
	_ audio.Microphone = Microphone{}
	_ audio.Output     = Output{}
)
