// Package resilience provides a circuit breaker for calls to dependencies
// that may go away, such as the journal database.
//
// [Breaker] is a three-state breaker (closed, open, half-open). While open it
// rejects calls with [ErrOpen] without running them, so a dead dependency
// costs nothing per call until the cooldown has passed.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/clock"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets trial calls through. Enough successes close the breaker;
	// any failure opens it again.
	HalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close.
	// Default: 1.
	Trials int

	// Clock is the time source. Default: [clock.Real].
	Clock clock.Clock
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent
// use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// New creates a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Trials <= 0 {
		cfg.Trials = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. fn's error counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(trial, err)
	return err
}

// admit decides whether a call may run and whether it is a half-open trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.inFlight, b.passed = 0, 0
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == HalfOpen {
		// One trial at a time; concurrent callers are still rejected.
		if b.inFlight > 0 {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.inFlight--
		if b.state != HalfOpen {
			return
		}
		if err != nil {
			b.trip("trial failed")
			return
		}
		b.passed++
		if b.passed >= b.cfg.Trials {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit breaker closed", "name", b.cfg.Name)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.cfg.MaxFailures {
		b.trip("too many failures")
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip(reason string) {
	b.state = Open
	b.openedAt = b.cfg.Clock.Now()
	slog.Warn("circuit breaker opened",
		"name", b.cfg.Name,
		"reason", reason,
		"consecutive_failures", b.failures,
		"cooldown", b.cfg.Cooldown,
	)
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [HalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures, b.inFlight, b.passed = 0, 0, 0
}
