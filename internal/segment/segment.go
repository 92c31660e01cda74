// Package segment groups voiced audio frames into utterances.
//
// A [Buffer] holds at most one open [Utterance] and at most one live silence
// timer. Voiced frames are appended and re-arm the timer; silent frames leave
// both untouched, so the timer measures the time since the last voiced frame.
// When the timer fires the utterance is flushed into a [Message] ready for the
// network, and the buffer is empty again.
//
// A Buffer is not safe for concurrent use. The session machine owns it and
// calls it only from its dispatch loop. The timer callback never touches the
// buffer directly: it reports the expiry generation through the onExpire
// function and the owner calls [Buffer.Expire] from its own goroutine.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/vad"
)

// DefaultSilenceWindow is how long after the last voiced frame an utterance
// is considered finished.
const DefaultSilenceWindow = 2 * time.Second

// ErrInconsistentFrames is returned when an utterance's frames cannot be
// concatenated: mixed sample rates or channel counts, or sequence numbers that
// do not strictly increase.
var ErrInconsistentFrames = errors.New("segment: inconsistent frames")

// Utterance is an ordered run of voiced frames collected since the last flush.
type Utterance struct {
	ID        uuid.UUID
	Frames    []audio.AudioFrame
	StartedAt time.Time
}

// Message is a flushed utterance: the concatenated little-endian PCM16 payload
// that goes on the wire, plus bookkeeping for logs and metrics.
type Message struct {
	UtteranceID uuid.UUID
	PCM         []byte
	SampleRate  int
	Frames      int
	Duration    time.Duration
	StartedAt   time.Time
}

// Outcome describes what [Buffer.OnFrame] did with a frame.
type Outcome int

const (
	// Suppressed means the frame was ignored because playback is active.
	Suppressed Outcome = iota
	// Appended means the frame was voiced and joined the open utterance.
	Appended
	// Skipped means the frame was silent and changed nothing.
	Skipped
)

// String returns a human-readable outcome.
func (o Outcome) String() string {
	switch o {
	case Suppressed:
		return "suppressed"
	case Appended:
		return "appended"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Buffer is the segment buffer.
type Buffer struct {
	clock    clock.Clock
	window   time.Duration
	busy     func() bool
	onExpire func(gen uint64)

	cur   *Utterance
	timer clock.Timer
	gen   uint64
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithClock sets the clock used for the silence timer. Defaults to
// [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// WithSilenceWindow sets the silence window. Non-positive values are ignored.
func WithSilenceWindow(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithBusy sets the function reporting whether response playback is active.
// While it returns true every frame is suppressed.
func WithBusy(busy func() bool) Option {
	return func(b *Buffer) { b.busy = busy }
}

// New creates a Buffer. onExpire is called from the timer's goroutine with the
// generation of the timer that fired; the owner must hand that value back to
// [Buffer.Expire] on its own goroutine.
func New(onExpire func(gen uint64), opts ...Option) *Buffer {
	b := &Buffer{
		clock:    clock.Real(),
		window:   DefaultSilenceWindow,
		busy:     func() bool { return false },
		onExpire: onExpire,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetSilenceWindow changes the window used the next time the timer is armed.
func (b *Buffer) SetSilenceWindow(d time.Duration) {
	if d > 0 {
		b.window = d
	}
}

// SilenceWindow returns the current silence window.
func (b *Buffer) SilenceWindow() time.Duration { return b.window }

// OnFrame applies one classified frame.
func (b *Buffer) OnFrame(frame audio.AudioFrame, cl vad.Classification) Outcome {
	if b.busy() {
		return Suppressed
	}
	if !cl.Voiced {
		return Skipped
	}
	if b.cur == nil {
		b.cur = &Utterance{ID: uuid.New(), StartedAt: b.clock.Now()}
	}
	b.cur.Frames = append(b.cur.Frames, frame)
	b.arm()
	return Appended
}

// Expire handles a silence timer expiry. Expiries from timers that have since
// been re-armed or cancelled are ignored and return (nil, nil). Otherwise the
// open utterance is consumed: a non-empty one is returned as a Message, an
// empty one is discarded. If the frames cannot be concatenated the utterance
// is dropped and ErrInconsistentFrames is returned.
func (b *Buffer) Expire(gen uint64) (*Message, error) {
	if gen != b.gen || b.timer == nil {
		return nil, nil
	}
	b.timer = nil
	return b.take()
}

// FlushAndStop consumes any open utterance immediately and cancels the timer.
// It returns the flushed message, or nil when nothing was pending.
func (b *Buffer) FlushAndStop() (*Message, error) {
	b.disarm()
	return b.take()
}

// Reset drops any open utterance and cancels the timer without flushing.
func (b *Buffer) Reset() {
	b.disarm()
	b.cur = nil
}

// Pending returns the number of frames in the open utterance.
func (b *Buffer) Pending() int {
	if b.cur == nil {
		return 0
	}
	return len(b.cur.Frames)
}

// Armed reports whether a silence timer is live.
func (b *Buffer) Armed() bool { return b.timer != nil }

func (b *Buffer) arm() {
	b.disarm()
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.window, func() { b.onExpire(gen) })
}

// disarm stops the live timer and bumps the generation so a callback that
// already started is recognised as stale.
func (b *Buffer) disarm() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *Buffer) take() (*Message, error) {
	u := b.cur
	b.cur = nil
	if u == nil || len(u.Frames) == 0 {
		return nil, nil
	}
	return Concat(u)
}

// Concat joins an utterance's frames in sequence order into one [Message].
func Concat(u *Utterance) (*Message, error) {
	if len(u.Frames) == 0 {
		return nil, fmt.Errorf("%w: empty utterance", ErrInconsistentFrames)
	}
	first := u.Frames[0]
	bufs := make([][]float32, len(u.Frames))
	var dur time.Duration
	for i, f := range u.Frames {
		if f.SampleRate != first.SampleRate || f.Channels != first.Channels {
			return nil, fmt.Errorf("%w: frame %d is %dHz/%dch, utterance is %dHz/%dch",
				ErrInconsistentFrames, f.Seq, f.SampleRate, f.Channels, first.SampleRate, first.Channels)
		}
		if i > 0 && f.Seq <= u.Frames[i-1].Seq {
			return nil, fmt.Errorf("%w: seq %d after %d", ErrInconsistentFrames, f.Seq, u.Frames[i-1].Seq)
		}
		bufs[i] = f.Samples
		dur += f.Duration()
	}
	return &Message{
		UtteranceID: u.ID,
		PCM:         audio.EncodePCM16LE(audio.Concat(bufs...)),
		SampleRate:  first.SampleRate,
		Frames:      len(u.Frames),
		Duration:    dur,
		StartedAt:   u.StartedAt,
	}, nil
}
