// Package playback plays response clips on the output device, one at a time.
//
// [Controller.Play] is asynchronous. It marks the controller as playing at
// once, so that capture stops before the clip has even been decoded, and
// reports the outcome through the completion callback. A second Play while a
// clip is active cancels the active clip (last write wins); only the newest
// clip's completion is reported. Decode and device failures are reported as
// outcomes, never panics.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// Outcome describes how a clip ended.
type Outcome struct {
	// ID is the handle returned by Play.
	ID uint64

	// Err is nil when the clip played to the end.
	Err error

	// Clip is the audio length of the decoded clip (zero if decoding failed).
	Clip time.Duration

	// Elapsed is the wall-clock time from Play to completion.
	Elapsed time.Duration
}

// Controller owns the output device.
type Controller struct {
	out     audio.Output
	decoder Decoder
	conv    *audio.FormatConverter
	metrics *observe.Metrics
	onDone  func(Outcome)

	mu      sync.Mutex
	active  *handle
	nextID  uint64
	playing atomic.Bool
	wg      sync.WaitGroup
}

type handle struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a Controller playing through out. onDone is called from a
// playback goroutine when the active clip ends. It is not called for clips
// superseded by a newer Play or cancelled by Stop.
func New(out audio.Output, dec Decoder, onDone func(Outcome), opts ...Option) *Controller {
	c := &Controller{
		out:     out,
		decoder: dec,
		conv:    &audio.FormatConverter{Target: out.Format()},
		onDone:  onDone,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// IsPlaying reports whether a clip is active.
func (c *Controller) IsPlaying() bool { return c.playing.Load() }

// Play starts playing payload and returns its handle ID. Any active clip is
// cancelled first.
func (c *Controller) Play(ctx context.Context, payload []byte) uint64 {
	pctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	prev := c.active
	c.nextID++
	h := &handle{id: c.nextID, cancel: cancel, done: make(chan struct{})}
	c.active = h
	c.playing.Store(true)
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		slog.Debug("playback: replacing active clip", "previous", prev.id, "next", h.id)
	}
	go c.run(pctx, h, prev, payload)
	return h.id
}

// Stop cancels the active clip without reporting its completion. It reports
// whether a clip was active.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	h := c.active
	c.active = nil
	c.playing.Store(false)
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// Wait blocks until every playback goroutine has exited.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) run(ctx context.Context, h, prev *handle, payload []byte) {
	defer c.wg.Done()
	defer close(h.done)
	defer h.cancel()

	start := time.Now()
	// The output device is never driven by two clips at once.
	if prev != nil {
		<-prev.done
	}

	clip, err := c.decoder.Decode(payload)
	if err != nil {
		c.metrics.PlaybackErrors.Add(ctx, 1)
		slog.Warn("playback: decode failed", "id", h.id, "bytes", len(payload), "err", err)
		c.finish(h, Outcome{ID: h.id, Err: err, Elapsed: time.Since(start)})
		return
	}
	clip = c.conv.Convert(clip)

	err = ctx.Err()
	if err == nil {
		err = c.out.Play(ctx, clip)
	}
	elapsed := time.Since(start)
	switch {
	case err == nil:
		c.metrics.PlaybackDuration.Record(ctx, elapsed.Seconds())
	case errors.Is(err, context.Canceled):
	default:
		c.metrics.PlaybackErrors.Add(ctx, 1)
		slog.Warn("playback: output failed", "id", h.id, "err", err)
	}
	c.finish(h, Outcome{ID: h.id, Err: err, Clip: clip.Duration(), Elapsed: elapsed})
}

// finish reports o if h is still the active handle.
func (c *Controller) finish(h *handle, o Outcome) {
	c.mu.Lock()
	if c.active != h {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.playing.Store(false)
	c.mu.Unlock()
	if c.onDone != nil {
		c.onDone(o)
	}
}
