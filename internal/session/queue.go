package session

import (
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/channel"
	"github.com/MrWong99/voxlink/internal/playback"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// event is one input to the dispatch loop.
type event interface{ isEvent() }

type (
	startCmd struct{ reply chan error }
	stopCmd  struct{ reply chan error }
	retryCmd struct{ reply chan error }

	// windowCmd changes the silence window.
	windowCmd struct {
		window time.Duration
		reply  chan error
	}

	// startResult reports the devices opened for start attempt gen.
	startResult struct {
		gen    uint64
		stream audio.CaptureStream
		err    error
	}

	frameCaptured struct {
		gen   uint64
		frame audio.AudioFrame
	}

	// captureEnded is posted when a capture stream's frame channel closes.
	captureEnded struct {
		gen uint64
		err error
	}

	silenceExpired struct{ gen uint64 }

	channelEvent struct{ ev channel.Event }

	playbackDone struct{ out playback.Outcome }
)

func (startCmd) isEvent()       {}
func (stopCmd) isEvent()        {}
func (retryCmd) isEvent()       {}
func (windowCmd) isEvent()      {}
func (startResult) isEvent()    {}
func (frameCaptured) isEvent()  {}
func (captureEnded) isEvent()   {}
func (silenceExpired) isEvent() {}
func (channelEvent) isEvent()   {}
func (playbackDone) isEvent()   {}

// queue is an unbounded FIFO. push never blocks, so collaborators may post
// from any goroutine, including the dispatch loop itself.
type queue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(e event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *queue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
