package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
)

// DefaultQueueSize is the number of entries a [Recorder] buffers before it
// starts dropping.
const DefaultQueueSize = 256

// writeTimeout bounds a single store write.
const writeTimeout = 5 * time.Second

// Recorder queues entries for a [Store]. Store writes go through a circuit
// breaker: after repeated failures entries are dropped without touching the
// store until the breaker's cooldown has passed.
type Recorder struct {
	store   Store
	metrics *observe.Metrics
	breaker *resilience.Breaker
	queue   chan Entry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets the queue capacity. Non-positive values are ignored.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Entry, n)
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithBreaker replaces the default breaker (5 failures, 30s cooldown).
func WithBreaker(b *resilience.Breaker) RecorderOption {
	return func(r *Recorder) { r.breaker = b }
}

// NewRecorder starts a Recorder writing to store. Call [Recorder.Close] to
// flush the queue and stop the writer.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		queue: make(chan Entry, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.New(resilience.Config{Name: "journal"})
	}
	go r.loop()
	return r
}

// Record queues e without blocking. It reports false if the entry was
// dropped because the queue was full or the Recorder was closed.
func (r *Recorder) Record(e Entry) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.metrics.JournalDropped.Add(context.Background(), 1)
		slog.Debug("journal: queue full, entry dropped", "session_id", e.SessionID, "action", e.Action)
		return false
	}
}

// Close stops accepting entries and waits until queued ones are written or
// ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check reports an error while store writes are being skipped.
func (r *Recorder) Check(context.Context) error {
	if st := r.breaker.State(); st == resilience.Open {
		return fmt.Errorf("journal: store writes suspended (breaker %s)", st)
	}
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		err := r.breaker.Do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			return r.store.Append(ctx, e)
		})
		switch {
		case err == nil:
		case errors.Is(err, resilience.ErrOpen):
			r.metrics.JournalDropped.Add(context.Background(), 1)
			slog.Debug("journal: store unavailable, entry dropped", "session_id", e.SessionID, "action", e.Action)
		default:
			slog.Warn("journal: write failed", "session_id", e.SessionID, "action", e.Action, "err", err)
		}
	}
}
