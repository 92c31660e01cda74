// Package app wires the voxlink subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the voice session, the
// turn journal and the control API from the config, Run drives them until
// the context ends, and Shutdown flushes and releases everything in order.
//
// For testing, inject doubles via functional options (WithJournalStore,
// WithClock, etc.). Audio devices are always passed in by the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/channel"
	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/journal/postgres"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/playback"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/vad"
)

// serverShutdownTimeout bounds the HTTP server drain when Run returns.
const serverShutdownTimeout = 5 * time.Second

// Devices holds the audio collaborators. Both are required.
type Devices struct {
	Microphone audio.Microphone
	Output     audio.Output
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	devices Devices

	classifier *vad.Analyzer
	machine    *session.Machine
	store      journal.Store
	recorder   *journal.Recorder
	handler    http.Handler

	clock    clock.Clock
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournalStore injects a journal store instead of creating one from
// config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithClock replaces the real clock driving the silence timer and reconnects.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reloads change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener serves the control API on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The only I/O it performs is connecting to the
// journal database when one is configured; the microphone and the session
// channel are opened by the session on start.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if devices.Microphone == nil || devices.Output == nil {
		return nil, errors.New("app: microphone and output are required")
	}
	a := &App{cfg: cfg, devices: devices, clock: clock.Real()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Voice session ─────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 3. Control API ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// initJournal connects the PostgreSQL store when configured, otherwise keeps
// the journal in memory.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Journal.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error { store.Close(); return nil })
			slog.Info("journal: using postgres store")
		} else {
			a.store = journal.NewMemStore(journal.DefaultMemEntries)
			slog.Info("journal: using in-memory store")
		}
	}
	a.recorder = journal.NewRecorder(a.store, journal.WithMetrics(a.metrics))
	return nil
}

func (a *App) initSession() error {
	classifier, err := vad.New(a.cfg.VAD.Threshold)
	if err != nil {
		return err
	}
	a.classifier = classifier

	dec, err := playback.NewDecoder(a.cfg.Playback.Codec, a.cfg.Playback.SampleRate, a.cfg.Playback.Channels)
	if err != nil {
		return err
	}

	a.machine = session.New(session.Config{
		Capture: audio.CaptureConfig{
			SampleRate: a.cfg.Audio.SampleRate,
			FrameSize:  a.cfg.Audio.FrameSize,
			Channels:   1,
		},
		SilenceWindow: a.cfg.VAD.SilenceWindow,
		Channel:       channelConfig(a.cfg.Channel),
	}, a.devices.Microphone, classifier, a.devices.Output, dec,
		session.WithClock(a.clock),
		session.WithMetrics(a.metrics),
		session.WithJournal(a.recorder),
	)
	return nil
}

// channelConfig maps the YAML channel section to the channel package.
func channelConfig(c config.ChannelConfig) channel.Config {
	var sources []channel.TokenSource
	if c.Token != "" {
		sources = append(sources, channel.StaticToken(c.Token))
	}
	if c.TokenFile != "" {
		sources = append(sources, channel.FileToken(c.TokenFile))
	}
	if c.TokenEnv != "" {
		sources = append(sources, channel.EnvToken(c.TokenEnv))
	}
	return channel.Config{
		Endpoint:         c.Endpoint,
		Path:             c.Path,
		Tokens:           channel.FirstToken(sources...),
		HandshakeTimeout: c.HandshakeTimeout,
		Retry: channel.RetryPolicy{
			MaxAttempts: c.MaxReconnectAttempts,
			Delay:       c.ReconnectInterval,
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Session returns the voice session.
func (a *App) Session() *session.Machine { return a.machine }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run drives the session dispatch loop and the control API until ctx is
// cancelled. When autostart is enabled the session starts listening at once;
// a failed start leaves the session in the error state for a later retry
// instead of failing Run.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.machine.Run(gctx)
	})

	if a.cfg.Session.AutostartEnabled() {
		g.Go(func() error {
			if err := a.machine.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("autostart failed; POST /session/retry to recover", "err", err)
			}
			return nil
		})
	}

	if srv, ln, err := a.server(); err != nil {
		return err
	} else if srv != nil {
		g.Go(func() error {
			slog.Info("control API listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// server returns the HTTP server and its listener, or nil when the API is
// disabled.
func (a *App) server() (*http.Server, net.Listener, error) {
	ln := a.listener
	if ln == nil {
		if a.cfg.Server.ListenAddr == "" {
			return nil, nil, nil
		}
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, ln, nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change to the running
// session. It has the [config.ChangeFunc] signature so it can be handed to
// [config.NewWatcher] directly.
func (a *App) Reload(d config.ConfigDiff, _ *config.Config) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		if err := a.machine.SetThreshold(d.NewThreshold); err != nil {
			slog.Warn("reload: threshold not applied", "err", err)
		}
	}
	if d.SilenceWindowChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.machine.SetSilenceWindow(ctx, d.NewSilenceWindow); err != nil {
			slog.Warn("reload: silence window not applied", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config level to a [slog.Level].
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes the journal and closes the stores. Call it after Run has
// returned. It respects the context deadline: if ctx expires while the
// journal is draining, the remaining entries are abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.recorder.Close(ctx); err != nil {
			slog.Warn("journal flush incomplete", "err", err)
			shutdownErr = err
		}
		a.closeAll()

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
