package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/journal"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio/mock"
)

const testToken = "secret"

// startService runs a WebSocket peer that accepts testToken, drains client
// messages and keeps connections open until the test ends.
func startService(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(endpoint string) *config.Config {
	cfg := &config.Config{
		Audio:   config.AudioConfig{Backend: config.BackendNull, FrameSize: 160},
		Channel: config.ChannelConfig{Endpoint: endpoint, Token: testToken, HandshakeTimeout: 2 * time.Second},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type running struct {
	app  *App
	base string
	mic  *mock.Microphone
}

// runApp builds and runs an App on a loopback listener until the test ends.
func runApp(t *testing.T, cfg *config.Config, opts ...Option) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mic := &mock.Microphone{}
	opts = append([]Option{WithListener(ln), WithMetrics(testMetrics(t))}, opts...)
	a, err := New(t.Context(), cfg, Devices{Microphone: mic, Output: &mock.Output{}}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &running{app: a, base: "http://" + ln.Addr().String(), mic: mic}
}

func (r *running) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, r.base+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func (r *running) status(t *testing.T) session.Status {
	t.Helper()
	code, body := r.do(t, "GET", "/session")
	if code != http.StatusOK {
		t.Fatalf("GET /session = %d: %s", code, body)
	}
	var st session.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func (r *running) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.app.Session().State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", r.app.Session().State(), want)
}

func TestNew_RequiresDevices(t *testing.T) {
	t.Parallel()
	_, err := New(t.Context(), testConfig("ws://127.0.0.1:1"), Devices{Microphone: &mock.Microphone{}})
	if err == nil {
		t.Fatal("expected error without an output device")
	}
}

func TestNew_BadCodec(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Playback.Codec = "mp3"
	_, err := New(t.Context(), cfg, Devices{Microphone: &mock.Microphone{}, Output: &mock.Output{}}, WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestRun_AutostartListens(t *testing.T) {
	t.Parallel()
	r := runApp(t, testConfig(startService(t)))
	r.waitState(t, session.Listening)

	st := r.status(t)
	if st.State != "listening" || st.Channel != "open" {
		t.Errorf("status = %+v, want listening/open", st)
	}
	if code, body := r.do(t, "GET", "/readyz"); code != http.StatusOK {
		t.Errorf("GET /readyz = %d: %s", code, body)
	}
	if got := r.mic.CallCountOpen(); got != 1 {
		t.Errorf("microphone opened %d times, want 1", got)
	}
}

func TestControl_StopAndStart(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	off := false
	cfg.Session.Autostart = &off
	r := runApp(t, cfg)

	if st := r.status(t); st.State != "idle" {
		t.Fatalf("state = %q, want idle without autostart", st.State)
	}

	code, body := r.do(t, "POST", "/session/start")
	if code != http.StatusOK {
		t.Fatalf("POST /session/start = %d: %s", code, body)
	}
	r.waitState(t, session.Listening)

	code, body = r.do(t, "POST", "/session/stop")
	if code != http.StatusOK {
		t.Fatalf("POST /session/stop = %d: %s", code, body)
	}
	if st := r.status(t); st.State != "idle" {
		t.Errorf("state after stop = %q, want idle", st.State)
	}
}

func TestControl_RetryOnlyFromError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	off := false
	cfg.Session.Autostart = &off
	r := runApp(t, cfg)

	code, _ := r.do(t, "POST", "/session/retry")
	if code != http.StatusConflict {
		t.Errorf("POST /session/retry from idle = %d, want %d", code, http.StatusConflict)
	}
}

func TestControl_RejectedTokenFailsAndRecovers(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	cfg.Channel.Token = "wrong"
	r := runApp(t, cfg)
	r.waitState(t, session.Error)

	st := r.status(t)
	if st.LastError == "" {
		t.Error("expected last_error to be set")
	}
	if code, _ := r.do(t, "GET", "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want %d", code, http.StatusServiceUnavailable)
	}

	code, body := r.do(t, "POST", "/session/start")
	if code != http.StatusConflict {
		t.Errorf("POST /session/start in error = %d (%s), want %d", code, body, http.StatusConflict)
	}
	code, body = r.do(t, "POST", "/session/retry")
	if code != http.StatusOK {
		t.Fatalf("POST /session/retry = %d: %s", code, body)
	}
	if st := r.status(t); st.State != "idle" || st.LastError != "" {
		t.Errorf("status after retry = %+v", st)
	}
}

func TestJournal_Endpoint(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	off := false
	cfg.Session.Autostart = &off
	store := journal.NewMemStore(0)
	r := runApp(t, cfg, WithJournalStore(store))

	id := r.app.Session().ID()
	for i, action := range []journal.Action{journal.ActionUtterance, journal.ActionText, journal.ActionPlayback} {
		e := journal.Entry{SessionID: id, At: time.Unix(int64(i), 0), Action: action, Latency: 250 * time.Millisecond}
		if err := store.Append(t.Context(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	code, body := r.do(t, "GET", "/session/journal?limit=2")
	if code != http.StatusOK {
		t.Fatalf("GET /session/journal = %d: %s", code, body)
	}
	var got []journalEntry
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Action != journal.ActionText || got[1].Action != journal.ActionPlayback {
		t.Errorf("entries = %+v, want the newest two oldest first", got)
	}
	if got[0].LatencyMS != 250 {
		t.Errorf("latency_ms = %d, want 250", got[0].LatencyMS)
	}

	if code, _ := r.do(t, "GET", "/session/journal?limit=abc"); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestRun_ServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	off := false
	cfg.Session.Autostart = &off
	r := runApp(t, cfg)

	for _, path := range []string{"/healthz", "/metrics"} {
		if code, body := r.do(t, "GET", path); code != http.StatusOK {
			t.Errorf("GET %s = %d: %s", path, code, body)
		}
	}
}

func TestReload_AppliesHotChanges(t *testing.T) {
	t.Parallel()
	cfg := testConfig(startService(t))
	off := false
	cfg.Session.Autostart = &off
	var level slog.LevelVar
	r := runApp(t, cfg, WithLogLevel(&level))

	r.app.Reload(config.ConfigDiff{
		LogLevelChanged:      true,
		NewLogLevel:          config.LogDebug,
		ThresholdChanged:     true,
		NewThreshold:         0.2,
		SilenceWindowChanged: true,
		NewSilenceWindow:     500 * time.Millisecond,
		RestartRequired:      []string{"channel"},
	}, cfg)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := r.app.classifier.Threshold(); got != 0.2 {
		t.Errorf("threshold = %v, want 0.2", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := SlogLevel(tc.in); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
