package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
)

// defaultJournalLimit caps GET /session/journal when no limit is given.
const defaultJournalLimit = 50

// commandTimeout bounds how long a control request waits for the session.
// Start can take up to the channel handshake timeout.
const commandTimeout = 30 * time.Second

// routes builds the control API:
//
//	GET  /healthz, /readyz   liveness and readiness
//	GET  /metrics            Prometheus scrape endpoint
//	GET  /session            session status
//	GET  /session/journal    recent turns (?limit=N)
//	POST /session/start      begin listening
//	POST /session/stop       stop listening
//	POST /session/retry      leave the error state
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.Checker{Name: "session", Check: a.checkSession},
		health.Checker{Name: "journal", Check: a.checkJournal},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /session", a.handleStatus)
	mux.HandleFunc("GET /session/journal", a.handleJournal)
	mux.HandleFunc("POST /session/start", a.command(a.machine.Start))
	mux.HandleFunc("POST /session/stop", a.command(a.machine.Stop))
	mux.HandleFunc("POST /session/retry", a.command(a.machine.Retry))

	return observe.Middleware(a.metrics)(mux)
}

// checkSession fails while the session is in the error state or while an
// active session has no open channel.
func (a *App) checkSession(context.Context) error {
	st := a.machine.Status()
	switch {
	case st.State == session.Error.String():
		return fmt.Errorf("session failed: %s", st.LastError)
	case st.State != session.Idle.String() && st.Channel != "open":
		return fmt.Errorf("channel %s (attempt %d)", st.Channel, st.ReconnectAttempts)
	}
	return nil
}

func (a *App) checkJournal(ctx context.Context) error {
	if err := a.recorder.Check(ctx); err != nil {
		return err
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.machine.Status())
}

type journalEntry struct {
	At        time.Time      `json:"at"`
	Action    journal.Action `json:"action"`
	Content   string         `json:"content,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
}

func (a *App) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q must be a positive integer", v))
			return
		}
		limit = n
	}

	entries, err := a.store.Recent(r.Context(), a.machine.ID(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]journalEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalEntry{
			At:        e.At,
			Action:    e.Action,
			Content:   e.Content,
			LatencyMS: e.Latency.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// command adapts a session command to an HTTP handler. It answers with the
// session status on success.
func (a *App) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, a.machine.Status())
	}
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrInterrupted):
		return http.StatusConflict
	case errors.Is(err, session.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
