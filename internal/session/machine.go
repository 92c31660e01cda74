// Package session implements the voice session state machine.
//
// A [Machine] owns the capture stream, the segment buffer, the session
// channel and the playback controller. Every callback from those
// collaborators (captured frames, silence timer expiries, channel events,
// playback completions) and every user command is posted to one queue and
// handled by a single dispatch loop ([Machine.Run]), so session state is
// only ever touched by one goroutine. Opening the microphone and the channel
// handshake run on a helper goroutine that posts its result back, so the loop
// keeps serving commands while a Start is in flight.
//
// Transitions:
//
//	Idle       --Start-------------> Listening   (Error if the microphone or channel fails)
//	Listening  --silence flush-----> Processing
//	Listening  --Stop--------------> Idle        (pending utterance is flushed first)
//	Listening  --inbound audio-----> Speaking
//	Processing --inbound audio-----> Speaking
//	Processing --inbound text------> Listening   (only when the reply carries no audio)
//	Processing --channel reopened--> Listening   (the pending reply is lost)
//	Processing --Stop--------------> Idle
//	Speaking   --playback complete-> Listening
//	Speaking   --Stop--------------> Idle        (playback is cancelled)
//	any        --channel exhausted-> Error
//	Error      --Retry-------------> Idle
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/channel"
	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/playback"
	"github.com/MrWong99/voxlink/internal/segment"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/vad"
)

// Journal receives turn records. [journal.Recorder] implements it.
type Journal interface {
	Record(e journal.Entry) bool
}

// Config configures a [Machine].
type Config struct {
	// SessionID identifies the session in logs and the journal. A random
	// UUID is used when empty.
	SessionID string

	// Capture is passed to the microphone on Start.
	Capture audio.CaptureConfig

	// SilenceWindow is how long after the last voiced frame an utterance is
	// flushed. Default: [segment.DefaultSilenceWindow].
	SilenceWindow time.Duration

	// Channel configures the session channel.
	Channel channel.Config
}

// Machine is the session state machine.
type Machine struct {
	id         string
	cfg        Config
	mic        audio.Microphone
	classifier vad.Classifier
	ch         *channel.Channel
	player     *playback.Controller
	seg        *segment.Buffer
	journal    Journal
	clock      clock.Clock
	metrics    *observe.Metrics
	log        *slog.Logger

	q      *queue
	done   chan struct{}
	starts sync.WaitGroup

	// Owned by the dispatch loop.
	ctx       context.Context
	state     State
	stream    audio.CaptureStream
	streamGen uint64
	playID    uint64
	flushedAt time.Time
	awaiting  bool
	pending   *pendingStart
	startGen  uint64

	mu      sync.Mutex
	status  Status
	current State
}

// pendingStart is a Start command waiting for its devices.
type pendingStart struct {
	gen   uint64
	reply chan error
}

// Option configures a [Machine].
type Option func(*options)

type options struct {
	clock   clock.Clock
	metrics *observe.Metrics
	journal Journal
}

// WithClock sets the clock driving the silence timer and reconnect delay.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithJournal sets where turns are recorded. Without it nothing is recorded.
func WithJournal(j Journal) Option {
	return func(o *options) { o.journal = j }
}

// New creates an idle Machine. Nothing happens until [Machine.Run] is
// started and [Machine.Start] is called.
func New(cfg Config, mic audio.Microphone, classifier vad.Classifier, out audio.Output, dec playback.Decoder, opts ...Option) *Machine {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = segment.DefaultSilenceWindow
	}

	m := &Machine{
		id:         cfg.SessionID,
		cfg:        cfg,
		mic:        mic,
		classifier: classifier,
		journal:    o.journal,
		clock:      o.clock,
		metrics:    o.metrics,
		log:        slog.With("session_id", cfg.SessionID),
		q:          newQueue(),
		done:       make(chan struct{}),
		ctx:        context.Background(),
	}
	m.ch = channel.New(cfg.Channel,
		func(ev channel.Event) { m.q.push(channelEvent{ev}) },
		channel.WithClock(o.clock),
		channel.WithMetrics(o.metrics),
	)
	m.player = playback.New(out, dec,
		func(o playback.Outcome) { m.q.push(playbackDone{o}) },
		playback.WithMetrics(o.metrics),
	)
	m.seg = segment.New(
		func(gen uint64) { m.q.push(silenceExpired{gen}) },
		segment.WithClock(o.clock),
		segment.WithSilenceWindow(cfg.SilenceWindow),
		segment.WithBusy(m.player.IsPlaying),
	)
	m.status = Status{SessionID: m.id, State: Idle.String(), Since: o.clock.Now()}
	return m
}

// ID returns the session ID.
func (m *Machine) ID() string { return m.id }

// Run is the dispatch loop. It returns when ctx is cancelled, after releasing
// the microphone, the channel and the output device. Run must be called once.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)
	defer m.shutdown()

	m.log.Info("session: dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.q.notify:
			for _, ev := range m.q.drain() {
				m.dispatch(ev)
			}
		}
	}
}

// Start begins listening. The microphone and the channel handshake are
// opened off the dispatch loop; Start returns once both are ready or one of
// them failed. A Stop issued meanwhile makes Start return [ErrInterrupted].
func (m *Machine) Start(ctx context.Context) error {
	return m.command(ctx, func(reply chan error) event { return startCmd{reply} })
}

// Stop stops listening. A pending utterance is flushed when stopping from
// Listening; playback is cancelled when stopping from Speaking.
func (m *Machine) Stop(ctx context.Context) error {
	return m.command(ctx, func(reply chan error) event { return stopCmd{reply} })
}

// Retry leaves the Error state and clears the reconnect counter.
func (m *Machine) Retry(ctx context.Context) error {
	return m.command(ctx, func(reply chan error) event { return retryCmd{reply} })
}

// SetSilenceWindow changes the silence window for utterances opened from now
// on.
func (m *Machine) SetSilenceWindow(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("session: silence window must be positive, got %s", d)
	}
	return m.command(ctx, func(reply chan error) event { return windowCmd{window: d, reply: reply} })
}

// SetThreshold changes the voice threshold if the classifier supports it.
func (m *Machine) SetThreshold(threshold float64) error {
	ts, ok := m.classifier.(interface{ SetThreshold(float64) error })
	if !ok {
		return fmt.Errorf("session: classifier %T has no adjustable threshold", m.classifier)
	}
	if err := ts.SetThreshold(threshold); err != nil {
		return fmt.Errorf("session: set threshold: %w", err)
	}
	m.log.Info("session: voice threshold changed", "threshold", threshold)
	return nil
}

// Status returns a snapshot of the session.
func (m *Machine) Status() Status {
	m.mu.Lock()
	st := m.status
	m.mu.Unlock()
	st.Channel = m.ch.State().String()
	st.ReconnectAttempts = m.ch.Attempts()
	st.Playing = m.player.IsPlaying()
	return st
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// command posts a command and waits for the loop's answer.
func (m *Machine) command(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	m.q.push(build(reply))
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) dispatch(ev event) {
	switch e := ev.(type) {
	case startCmd:
		m.start(e.reply)
	case startResult:
		m.onStarted(e)
	case stopCmd:
		e.reply <- m.stop()
	case retryCmd:
		e.reply <- m.retry()
	case windowCmd:
		m.seg.SetSilenceWindow(e.window)
		m.log.Info("session: silence window changed", "window", e.window)
		e.reply <- nil
	case frameCaptured:
		m.onFrame(e)
	case captureEnded:
		m.onCaptureEnded(e)
	case silenceExpired:
		m.onSilence(e.gen)
	case channelEvent:
		m.onChannel(e.ev)
	case playbackDone:
		m.onPlaybackDone(e.out)
	}
}

func (m *Machine) start(reply chan error) {
	if m.state != Idle {
		reply <- fmt.Errorf("%w: start in state %s", ErrInvalidTransition, m.state)
		return
	}
	if m.pending != nil {
		reply <- fmt.Errorf("%w: start already in progress", ErrInvalidTransition)
		return
	}
	m.startGen++
	m.pending = &pendingStart{gen: m.startGen, reply: reply}
	m.log.Debug("session: starting", "attempt", m.startGen)
	m.starts.Add(1)
	go m.open(m.ctx, m.startGen)
}

// open acquires the microphone and the channel for start attempt gen and
// posts the outcome back to the loop.
func (m *Machine) open(ctx context.Context, gen uint64) {
	defer m.starts.Done()

	stream, err := m.mic.Open(ctx, m.cfg.Capture)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermission, err)
		}
		m.q.push(startResult{gen: gen, err: fmt.Errorf("session: open microphone: %w", err)})
		return
	}
	if m.ch.State() != channel.Open {
		if err := m.ch.Open(ctx); err != nil {
			_ = stream.Close()
			m.q.push(startResult{gen: gen, err: fmt.Errorf("session: open channel: %w", err)})
			return
		}
	}
	m.q.push(startResult{gen: gen, stream: stream})
}

func (m *Machine) onStarted(r startResult) {
	p := m.pending
	if p == nil || p.gen != r.gen {
		if r.stream != nil {
			_ = r.stream.Close()
		}
		m.log.Debug("session: interrupted start finished", "attempt", r.gen, "err", r.err)
		return
	}
	m.pending = nil

	if r.err != nil {
		if m.state != Error {
			m.fail(r.err)
		}
		p.reply <- r.err
		return
	}
	if m.state != Idle {
		_ = r.stream.Close()
		p.reply <- fmt.Errorf("%w: start finished in state %s", ErrInvalidTransition, m.state)
		return
	}

	if err := m.ch.SendControl(m.ctx, channel.ControlStart); err != nil {
		m.log.Warn("session: start control not sent", "err", err)
	}
	m.seg.Reset()
	m.streamGen++
	m.stream = r.stream
	go m.pump(m.ctx, m.streamGen, r.stream)
	m.transition(Listening)
	p.reply <- nil
}

func (m *Machine) stop() error {
	switch m.state {
	case Idle:
		if p := m.pending; p != nil {
			m.pending = nil
			if m.ch.State() == channel.Connecting {
				_ = m.ch.Close("start interrupted")
			}
			m.log.Info("session: start interrupted by stop", "attempt", p.gen)
			p.reply <- ErrInterrupted
		}
		return nil
	case Error:
		return fmt.Errorf("%w: stop in state %s", ErrInvalidTransition, m.state)
	case Listening:
		msg, err := m.seg.FlushAndStop()
		if err != nil {
			m.utteranceFailed(err)
		} else if msg != nil {
			m.send(msg)
		}
	default:
		m.player.Stop()
		m.seg.Reset()
	}
	if err := m.ch.SendControl(m.ctx, channel.ControlStop); err != nil {
		m.log.Debug("session: stop control not sent", "err", err)
	}
	m.closeCapture()
	m.awaiting = false
	m.transition(Idle)
	return nil
}

func (m *Machine) retry() error {
	if m.state != Error {
		return fmt.Errorf("%w: retry in state %s", ErrInvalidTransition, m.state)
	}
	_ = m.ch.Close("retry")
	m.seg.Reset()
	m.player.Stop()
	m.setStatus(func(s *Status) { s.LastError = "" })
	m.transition(Idle)
	return nil
}

// fail moves to Error and releases capture and playback.
func (m *Machine) fail(err error) {
	m.closeCapture()
	m.player.Stop()
	m.seg.Reset()
	m.awaiting = false
	m.log.Error("session: failed", "state", m.state, "err", err)
	m.record(journal.ActionError, err.Error(), 0)
	m.setStatus(func(s *Status) { s.LastError = err.Error() })
	m.transition(Error)
}

func (m *Machine) onFrame(e frameCaptured) {
	if e.gen != m.streamGen {
		return
	}
	if m.state != Listening || m.player.IsPlaying() {
		m.metrics.FramesSuppressed.Add(m.ctx, 1)
		return
	}
	cl := m.classifier.Analyze(e.frame)
	m.metrics.RecordFrame(m.ctx, cl.Voiced)
	if m.seg.OnFrame(e.frame, cl) == segment.Suppressed {
		m.metrics.FramesSuppressed.Add(m.ctx, 1)
	}
}

func (m *Machine) onCaptureEnded(e captureEnded) {
	if e.gen != m.streamGen || !m.state.active() {
		return
	}
	m.stream = nil
	if e.err != nil {
		if errors.Is(e.err, audio.ErrPermissionDenied) {
			e.err = fmt.Errorf("%w: %w", ErrPermission, e.err)
		}
		m.fail(fmt.Errorf("session: capture: %w", e.err))
		return
	}
	m.log.Info("session: capture source ended")
	_ = m.stop()
}

func (m *Machine) onSilence(gen uint64) {
	msg, err := m.seg.Expire(gen)
	if err != nil {
		m.utteranceFailed(err)
		return
	}
	if msg == nil || m.state != Listening {
		return
	}
	if m.send(msg) {
		m.transition(Processing)
	}
}

// send hands a flushed utterance to the channel. A send while the channel is
// not open drops the utterance.
func (m *Machine) send(msg *segment.Message) bool {
	ctx, span := observe.StartSpan(m.ctx, "session.flush")
	err := m.ch.Send(ctx, msg.PCM)
	observe.EndSpan(span, err)
	if err != nil {
		m.metrics.RecordUtterance(ctx, "discarded", 0)
		m.log.Warn("session: utterance dropped",
			"utterance_id", msg.UtteranceID,
			"frames", msg.Frames,
			"err", err,
		)
		return false
	}
	m.metrics.RecordUtterance(ctx, "flushed", msg.Duration.Seconds())
	m.log.Info("session: utterance sent",
		"utterance_id", msg.UtteranceID,
		"frames", msg.Frames,
		"duration", msg.Duration,
		"bytes", len(msg.PCM),
	)
	m.flushedAt = m.clock.Now()
	m.awaiting = true
	m.record(journal.ActionUtterance, msg.Duration.String(), 0)
	m.setStatus(func(s *Status) { s.Utterances++ })
	return true
}

func (m *Machine) utteranceFailed(err error) {
	m.metrics.RecordUtterance(m.ctx, "failed", 0)
	m.log.Warn("session: utterance discarded", "err", err)
}

func (m *Machine) onChannel(ev channel.Event) {
	switch ev.Kind {
	case channel.EventOpened:
		m.log.Debug("session: channel open")
		if m.state == Processing {
			// The reply belonged to the dropped connection.
			m.log.Warn("session: pending reply lost on reconnect, listening again",
				"waited", m.clock.Now().Sub(m.flushedAt))
			m.awaiting = false
			m.transition(Listening)
		}
	case channel.EventReconnecting:
		m.log.Warn("session: channel reconnecting", "attempt", ev.Attempt, "delay", ev.Delay, "err", ev.Err)
	case channel.EventExhausted, channel.EventUnauthorized:
		if m.state == Error {
			return
		}
		m.fail(fmt.Errorf("session: channel: %w", ev.Err))
	case channel.EventMessage:
		m.onInbound(ev.Message)
	}
}

func (m *Machine) onInbound(msg channel.InboundMessage) {
	latency := m.replyLatency()
	switch in := msg.(type) {
	case channel.TextMessage:
		action := journal.ActionText
		if in.IsError() {
			action = journal.ActionServiceError
			m.log.Warn("session: service reported an error", "text", in.Text)
		} else {
			m.log.Info("session: text reply", "text", in.Text)
		}
		m.record(action, in.Text, latency)
		m.setStatus(func(s *Status) { s.LastText = in.Text })
		// A clip from the same envelope follows and moves the session to
		// Speaking.
		if m.state == Processing && !in.WithAudio {
			m.transition(Listening)
		}

	case channel.AudioMessage:
		m.record(journal.ActionAudio, fmt.Sprintf("%d bytes", len(in.Payload)), latency)
		switch m.state {
		case Listening, Processing, Speaking:
			m.seg.Reset()
			m.playID = m.player.Play(m.ctx, in.Payload)
			m.transition(Speaking)
		default:
			m.log.Debug("session: audio reply ignored", "state", m.state, "bytes", len(in.Payload))
		}
	}
}

// replyLatency returns the time since the last flush for the first reply to
// it, and zero afterwards.
func (m *Machine) replyLatency() time.Duration {
	if !m.awaiting {
		return 0
	}
	m.awaiting = false
	d := m.clock.Now().Sub(m.flushedAt)
	m.metrics.ResponseLatency.Record(m.ctx, d.Seconds())
	return d
}

func (m *Machine) onPlaybackDone(out playback.Outcome) {
	if out.ID != m.playID {
		return
	}
	content := ""
	if out.Err != nil {
		content = out.Err.Error()
	}
	m.record(journal.ActionPlayback, content, 0)
	if m.state == Speaking {
		m.transition(Listening)
	}
}

// pump forwards captured frames to the loop until the stream ends.
func (m *Machine) pump(ctx context.Context, gen uint64, s audio.CaptureStream) {
	frames := s.Frames()
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(frames)
			return
		case f, ok := <-frames:
			if !ok {
				m.q.push(captureEnded{gen: gen, err: s.Err()})
				return
			}
			m.q.push(frameCaptured{gen: gen, frame: f})
		}
	}
}

func (m *Machine) closeCapture() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Close(); err != nil {
		m.log.Warn("session: close microphone", "err", err)
	}
	m.stream = nil
	m.streamGen++
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.RecordTransition(m.ctx, from.String(), to.String())
	switch {
	case !from.active() && to.active():
		m.metrics.ActiveSessions.Add(m.ctx, 1)
	case from.active() && !to.active():
		m.metrics.ActiveSessions.Add(m.ctx, -1)
	}
	m.log.Info("session: state changed", "from", from, "to", to)
	now := m.clock.Now()
	m.mu.Lock()
	m.current = to
	m.status.State = to.String()
	m.status.Since = now
	m.mu.Unlock()
}

func (m *Machine) setStatus(update func(*Status)) {
	m.mu.Lock()
	update(&m.status)
	m.mu.Unlock()
}

func (m *Machine) record(action journal.Action, content string, latency time.Duration) {
	if m.journal == nil {
		return
	}
	m.journal.Record(journal.Entry{
		SessionID: m.id,
		At:        m.clock.Now(),
		Action:    action,
		Content:   content,
		Latency:   latency,
	})
}

// shutdown runs when the loop exits.
func (m *Machine) shutdown() {
	// m.ctx is done, so pending opens return promptly.
	m.starts.Wait()
	for _, ev := range m.q.drain() {
		if r, ok := ev.(startResult); ok && r.stream != nil {
			_ = r.stream.Close()
		}
	}
	m.closeCapture()
	m.player.Stop()
	m.player.Wait()
	m.seg.Reset()
	_ = m.ch.Close("session ended")
	m.transition(Idle)
	m.log.Info("session: dispatch loop stopped")
}
