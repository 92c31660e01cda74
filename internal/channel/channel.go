// Package channel implements the session channel: a persistent, reconnecting
// WebSocket link to the conversation service.
//
// Outbound utterances travel as binary frames of little-endian PCM16; control
// messages travel as JSON text frames. Inbound frames are parsed into
// [InboundMessage] values and delivered, in arrival order, through the event
// callback supplied to [New].
//
// Abnormal closures are retried after a constant delay up to the
// [RetryPolicy] limit. An authentication rejection (HTTP 401/403 during the
// handshake, or close status 1008) is terminal and never retried.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/observe"
)

var (
	// ErrNotReady is returned by Send while the channel is not open.
	ErrNotReady = errors.New("channel: not ready")

	// ErrUnauthorized marks an authentication failure: no token, or the
	// service rejected it.
	ErrUnauthorized = errors.New("channel: unauthorized")

	// ErrExhausted is reported when the reconnect limit has been reached.
	ErrExhausted = errors.New("channel: reconnect attempts exhausted")

	// ErrClosed is returned when the channel was closed or reopened while a
	// connection attempt was in flight.
	ErrClosed = errors.New("channel: closed")
)

// Default connection parameters.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReadLimit        = 16 << 20
	DefaultPath             = "/ws/audio"
)

// State is the connection state.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Reconnecting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies a channel [Event].
type EventKind int

const (
	// EventOpened fires after every successful handshake.
	EventOpened EventKind = iota
	// EventReconnecting fires when a reconnect has been scheduled.
	EventReconnecting
	// EventExhausted fires once when the retry limit is reached. The channel
	// is Closed afterwards.
	EventExhausted
	// EventUnauthorized fires when the service rejects the credentials. The
	// channel is Closed afterwards.
	EventUnauthorized
	// EventMessage carries one inbound message.
	EventMessage
)

// String returns a human-readable event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventReconnecting:
		return "reconnecting"
	case EventExhausted:
		return "exhausted"
	case EventUnauthorized:
		return "unauthorized"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to the callback passed to [New].
type Event struct {
	Kind EventKind

	// Attempt is the reconnect attempt number for EventReconnecting, or the
	// number of attempts made for EventExhausted.
	Attempt int

	// Delay is the wait before the scheduled attempt (EventReconnecting).
	Delay time.Duration

	// Err is the cause for EventReconnecting, EventExhausted and
	// EventUnauthorized.
	Err error

	// Message is set for EventMessage.
	Message InboundMessage
}

// Config configures a [Channel].
type Config struct {
	// Endpoint is the service base URL, e.g. "ws://127.0.0.1:8081".
	Endpoint string

	// Path is appended to Endpoint. Default: "/ws/audio".
	Path string

	// Tokens supplies the authentication token. Required.
	Tokens TokenSource

	// HandshakeTimeout bounds each connection attempt. Default: 5s.
	HandshakeTimeout time.Duration

	// Retry bounds automatic reconnection.
	Retry RetryPolicy

	// ReadLimit is the largest inbound frame accepted, in bytes. Default: 16 MiB.
	ReadLimit int64
}

// Channel is the session channel. All methods are safe for concurrent use.
type Channel struct {
	cfg     Config
	clock   clock.Clock
	metrics *observe.Metrics
	onEvent func(Event)

	mu         sync.Mutex
	state      State
	attempts   int
	gen        uint64
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	retry      clock.Timer
	ctx        context.Context
}

// Option configures a [Channel].
type Option func(*Channel)

// WithClock sets the clock used to schedule reconnects. Defaults to
// [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ch *Channel) { ch.metrics = m }
}

// New creates a closed Channel. onEvent is called sequentially from the
// channel's goroutines; it must not call Open or Close synchronously.
func New(cfg Config, onEvent func(Event), opts ...Option) *Channel {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	cfg.Retry = cfg.Retry.withDefaults()

	ch := &Channel{
		cfg:     cfg,
		clock:   clock.Real(),
		onEvent: onEvent,
		ctx:     context.Background(),
	}
	for _, o := range opts {
		o(ch)
	}
	if ch.metrics == nil {
		ch.metrics = observe.DefaultMetrics()
	}
	return ch
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts since the last successful
// handshake.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Open connects to the service. Any existing connection or pending reconnect
// is torn down first. The attempt counter is reset.
//
// ctx bounds the handshake and every automatic reconnect that follows; cancel
// it (or call Close) to stop reconnecting. On failure the channel is Closed
// and the error is returned; authentication failures wrap [ErrUnauthorized].
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	conn, cancel := c.detachLocked()
	c.state = Connecting
	c.attempts = 0
	c.ctx = ctx
	gen := c.gen
	c.mu.Unlock()
	closeConn(conn, cancel, "reopening")

	if err := c.dial(ctx, gen); err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.state = Closed
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close closes the connection and cancels any pending reconnect. It is
// idempotent. No events are delivered for the closed connection afterwards.
func (c *Channel) Close(reason string) error {
	c.mu.Lock()
	conn, cancel := c.detachLocked()
	c.state = Closed
	c.attempts = 0
	c.mu.Unlock()
	closeConn(conn, cancel, reason)
	return nil
}

// Send writes one binary frame. While the channel is not Open the payload is
// dropped and an error wrapping [ErrNotReady] is returned; nothing is queued.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	conn, st := c.current()
	if conn == nil {
		c.metrics.SendsDropped.Add(ctx, 1)
		return fmt.Errorf("channel: send in state %s: %w", st, ErrNotReady)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// SendControl writes a JSON control message of the given type.
func (c *Channel) SendControl(ctx context.Context, typ string) error {
	conn, st := c.current()
	if conn == nil {
		return fmt.Errorf("channel: send control %q in state %s: %w", typ, st, ErrNotReady)
	}
	data, err := json.Marshal(Control{Type: typ})
	if err != nil {
		return fmt.Errorf("channel: marshal control: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("channel: send control: %w", err)
	}
	return nil
}

func (c *Channel) current() (*websocket.Conn, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return nil, c.state
	}
	return c.conn, c.state
}

// detachLocked invalidates the current generation and hands back the live
// connection (if any) for closing outside the lock.
func (c *Channel) detachLocked() (*websocket.Conn, context.CancelFunc) {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn, cancel := c.conn, c.cancelRead
	c.conn, c.cancelRead = nil, nil
	return conn, cancel
}

func closeConn(conn *websocket.Conn, cancel context.CancelFunc, reason string) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
	if cancel != nil {
		cancel()
	}
}

// dial performs one handshake for generation gen.
func (c *Channel) dial(ctx context.Context, gen uint64) error {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("channel: token: %w: %w", ErrUnauthorized, err)
	}
	if token == "" {
		return fmt.Errorf("channel: %w: no token available", ErrUnauthorized)
	}
	u, err := BuildURL(c.cfg.Endpoint, c.cfg.Path, token)
	if err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "channel.handshake")
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	conn, resp, err := websocket.Dial(hctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		observe.EndSpan(span, err)
		return fmt.Errorf("channel: dial %s: %w", c.cfg.Endpoint, err)
	}
	observe.EndSpan(span, nil)
	elapsed := time.Since(start)
	c.metrics.HandshakeDuration.Record(ctx, elapsed.Seconds())
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return ErrClosed
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn, c.cancelRead = conn, cancelRead
	c.state = Open
	c.attempts = 0
	c.mu.Unlock()

	observe.Logger(ctx).Info("channel: connected",
		"endpoint", c.cfg.Endpoint,
		"path", c.cfg.Path,
		"handshake", elapsed,
	)
	c.emit(gen, Event{Kind: EventOpened})
	go c.readLoop(readCtx, conn, gen)
	return nil
}

// readLoop delivers inbound frames in arrival order until the connection
// ends.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.dropped(gen, err)
			return
		}
		msgs, perr := ParseInbound(typ, data)
		if perr != nil {
			slog.Warn("channel: dropping malformed inbound payload", "err", perr, "bytes", len(data))
			c.metrics.RecordInbound(ctx, "malformed")
		}
		for _, m := range msgs {
			c.metrics.RecordInbound(ctx, m.Kind())
			c.emit(gen, Event{Kind: EventMessage, Message: m})
		}
	}
}

// dropped handles the end of an open connection.
func (c *Channel) dropped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != Open {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelRead
	c.conn, c.cancelRead = nil, nil

	if websocket.CloseStatus(cause) == websocket.StatusPolicyViolation {
		c.state = Closed
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.Error("channel: service rejected credentials", "err", cause)
		c.emit(gen, Event{Kind: EventUnauthorized, Err: fmt.Errorf("%w: %v", ErrUnauthorized, cause)})
		return
	}

	ev := c.scheduleLocked(gen, cause)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	slog.Warn("channel: connection lost", "err", cause)
	c.emit(gen, ev)
}

// scheduleLocked either schedules the next reconnect or gives up, returning
// the event to deliver once the lock is released.
func (c *Channel) scheduleLocked(gen uint64, cause error) Event {
	if !c.cfg.Retry.allows(c.attempts) {
		c.state = Closed
		slog.Error("channel: reconnect attempts exhausted",
			"attempts", c.attempts,
			"err", cause,
		)
		return Event{
			Kind:    EventExhausted,
			Attempt: c.attempts,
			Err:     fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.attempts, cause),
		}
	}
	c.attempts++
	c.state = Reconnecting
	attempt, delay := c.attempts, c.cfg.Retry.Delay
	c.retry = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.metrics.ChannelReconnects.Add(context.Background(), 1)
	slog.Info("channel: reconnect scheduled",
		"attempt", attempt,
		"max_attempts", c.cfg.Retry.MaxAttempts,
		"delay", delay,
	)
	return Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay, Err: cause}
}

// reconnect runs when the retry timer fires.
func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	ctx := c.ctx
	if ctx.Err() != nil {
		c.state = Closed
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.mu.Unlock()

	err := c.dial(ctx, gen)
	if err == nil {
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if errors.Is(err, ErrUnauthorized) {
		c.state = Closed
		c.mu.Unlock()
		slog.Error("channel: reconnect rejected", "err", err)
		c.emit(gen, Event{Kind: EventUnauthorized, Err: err})
		return
	}
	slog.Warn("channel: reconnect attempt failed", "attempt", c.attempts, "err", err)
	ev := c.scheduleLocked(gen, err)
	c.mu.Unlock()
	c.emit(gen, ev)
}

// emit delivers ev unless generation gen has been superseded.
func (c *Channel) emit(gen uint64, ev Event) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if current && c.onEvent != nil {
		c.onEvent(ev)
	}
}
