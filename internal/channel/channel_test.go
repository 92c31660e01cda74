package channel_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxlink/internal/channel"
	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/observe"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn and the call number (starting at 1). The server is
// automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request, n int64)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r, n)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// holdOpen keeps a server-side connection open until the client goes away.
func holdOpen(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

type recorder struct {
	events chan channel.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan channel.Event, 64)}
}

func (r *recorder) handle(ev channel.Event) { r.events <- ev }

// next waits for the next event of the given kind, skipping others.
func (r *recorder) next(t *testing.T, kind channel.EventKind) channel.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v event", kind)
			return channel.Event{}
		}
	}
}

// none asserts that no event of the given kind is pending.
func (r *recorder) none(t *testing.T, kind channel.EventKind) {
	t.Helper()
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		default:
			return
		}
	}
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

func newChannel(t *testing.T, endpoint string, rec *recorder, clk clock.Clock, policy channel.RetryPolicy) *channel.Channel {
	t.Helper()
	ch := channel.New(channel.Config{
		Endpoint: endpoint,
		Tokens:   channel.StaticToken("secret token"),
		Retry:    policy,
	}, rec.handle, channel.WithClock(clk), channel.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = ch.Close("test done") })
	return ch
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestOpen_SendsTokenAndAudio(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	query := make(chan string, 1)
	srv, _ := startServer(t, func(conn *websocket.Conn, r *http.Request, _ int64) {
		query <- r.URL.Path + "?" + r.URL.RawQuery
		typ, data, err := conn.Read(context.Background())
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		got <- data
		holdOpen(conn)
	})

	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clock.Real(), channel.RetryPolicy{})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.next(t, channel.EventOpened)
	if ch.State() != channel.Open {
		t.Fatalf("state = %v, want open", ch.State())
	}

	if q := <-query; q != "/ws/audio?token=secret+token" {
		t.Errorf("request = %q, want /ws/audio?token=secret+token", q)
	}

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if err := ch.Send(t.Context(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != string(payload) {
			t.Errorf("server got %v, want %v", data, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive audio")
	}
}

func TestSendControl(t *testing.T) {
	t.Parallel()

	got := make(chan string, 2)
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int64) {
		for range 2 {
			typ, data, err := conn.Read(context.Background())
			if err != nil || typ != websocket.MessageText {
				return
			}
			got <- string(data)
		}
		holdOpen(conn)
	})

	ch := newChannel(t, wsURL(srv), newRecorder(), clock.Real(), channel.RetryPolicy{})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, typ := range []string{channel.ControlStart, channel.ControlStop} {
		if err := ch.SendControl(t.Context(), typ); err != nil {
			t.Fatalf("SendControl(%q): %v", typ, err)
		}
	}
	for _, want := range []string{`{"type":"start"}`, `{"type":"stop"}`} {
		select {
		case data := <-got:
			if data != want {
				t.Errorf("control = %s, want %s", data, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("server did not receive control message")
		}
	}
}

func TestOpen_EmptyTokenDoesNotDial(t *testing.T) {
	t.Parallel()
	srv, calls := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int64) { holdOpen(conn) })

	ch := channel.New(channel.Config{Endpoint: wsURL(srv)}, nil, channel.WithMetrics(testMetrics(t)))
	err := ch.Open(t.Context())
	if !errors.Is(err, channel.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server saw %d connections, want 0", calls.Load())
	}
	if ch.State() != channel.Closed {
		t.Errorf("state = %v, want closed", ch.State())
	}
}

func TestOpen_HandshakeRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ch := newChannel(t, wsURL(srv), newRecorder(), clock.Real(), channel.RetryPolicy{})
	err := ch.Open(t.Context())
	if !errors.Is(err, channel.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if ch.State() != channel.Closed {
		t.Errorf("state = %v, want closed", ch.State())
	}
}

func TestInbound_ArrivalOrder(t *testing.T) {
	t.Parallel()
	clip := []byte("RIFFxxxxWAVE")
	srv, _ := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int64) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"text":"hello"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{9, 9})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"text":"both","type":"gemini_response","audio":"`+base64.StdEncoding.EncodeToString(clip)+`"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"text":"oops","type":"error"}`))
		holdOpen(conn)
	})

	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clock.Real(), channel.RetryPolicy{})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got []channel.InboundMessage
	for range 5 {
		got = append(got, rec.next(t, channel.EventMessage).Message)
	}

	if m, ok := got[0].(channel.TextMessage); !ok || m.Text != "hello" {
		t.Errorf("msg 0 = %#v, want text hello", got[0])
	}
	if m, ok := got[1].(channel.AudioMessage); !ok || len(m.Payload) != 2 || m.Encoded {
		t.Errorf("msg 1 = %#v, want binary audio", got[1])
	}
	if m, ok := got[2].(channel.TextMessage); !ok || m.Text != "both" {
		t.Errorf("msg 2 = %#v, want text both", got[2])
	}
	if m, ok := got[3].(channel.AudioMessage); !ok || string(m.Payload) != string(clip) || !m.Encoded {
		t.Errorf("msg 3 = %#v, want decoded clip", got[3])
	}
	if m, ok := got[4].(channel.TextMessage); !ok || !m.IsError() {
		t.Errorf("msg 4 = %#v, want error text", got[4])
	}
}

func TestReconnect_ExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	t.Cleanup(srv.Close)

	clk := clock.NewFake(time.Unix(0, 0))
	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clk, channel.RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second})

	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ev := rec.next(t, channel.EventReconnecting)
	if ev.Attempt != 1 || ev.Delay != 2*time.Second {
		t.Errorf("first reconnect = attempt %d delay %v, want 1 and 2s", ev.Attempt, ev.Delay)
	}
	if ch.State() != channel.Reconnecting {
		t.Fatalf("state = %v, want reconnecting", ch.State())
	}

	// Sends while reconnecting are dropped, not queued.
	if err := ch.Send(t.Context(), []byte{1, 2}); !errors.Is(err, channel.ErrNotReady) {
		t.Errorf("Send while reconnecting err = %v, want ErrNotReady", err)
	}

	// No attempt before the delay has elapsed.
	clk.Advance(time.Second)
	if calls.Load() != 1 {
		t.Fatalf("reconnected before the delay: %d calls", calls.Load())
	}

	clk.Advance(time.Second)
	rec.next(t, channel.EventReconnecting)
	clk.Advance(2 * time.Second)
	rec.next(t, channel.EventReconnecting)
	clk.Advance(2 * time.Second)

	ev = rec.next(t, channel.EventExhausted)
	if !errors.Is(ev.Err, channel.ErrExhausted) {
		t.Errorf("exhausted err = %v, want ErrExhausted", ev.Err)
	}
	if ev.Attempt != 3 {
		t.Errorf("exhausted after %d attempts, want 3", ev.Attempt)
	}
	if ch.State() != channel.Closed {
		t.Errorf("state = %v, want closed", ch.State())
	}

	// No further connection attempts.
	clk.Advance(time.Minute)
	if got := calls.Load(); got != 4 {
		t.Errorf("server saw %d connections, want 4 (initial + 3 reconnects)", got)
	}
	if clk.Pending() != 0 {
		t.Errorf("%d timers still pending", clk.Pending())
	}
}

func TestReconnect_SuccessResetsAttempts(t *testing.T) {
	t.Parallel()
	srv, calls := startServer(t, func(conn *websocket.Conn, _ *http.Request, n int64) {
		if n == 1 {
			conn.Close(websocket.StatusInternalError, "crash")
			return
		}
		holdOpen(conn)
	})

	clk := clock.NewFake(time.Unix(0, 0))
	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clk, channel.RetryPolicy{MaxAttempts: 2, Delay: time.Second})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.next(t, channel.EventOpened)
	rec.next(t, channel.EventReconnecting)
	if ch.Attempts() != 1 {
		t.Fatalf("Attempts() = %d, want 1", ch.Attempts())
	}

	clk.Advance(time.Second)
	rec.next(t, channel.EventOpened)
	if ch.State() != channel.Open {
		t.Errorf("state = %v, want open", ch.State())
	}
	if ch.Attempts() != 0 {
		t.Errorf("Attempts() = %d after reconnect, want 0", ch.Attempts())
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d connections, want 2", calls.Load())
	}
}

func TestPolicyViolationIsTerminal(t *testing.T) {
	t.Parallel()
	srv, calls := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int64) {
		conn.Close(websocket.StatusPolicyViolation, "Invalid token")
	})

	clk := clock.NewFake(time.Unix(0, 0))
	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clk, channel.RetryPolicy{MaxAttempts: 5, Delay: time.Second})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ev := rec.next(t, channel.EventUnauthorized)
	if !errors.Is(ev.Err, channel.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", ev.Err)
	}
	if ch.State() != channel.Closed {
		t.Errorf("state = %v, want closed", ch.State())
	}
	clk.Advance(time.Minute)
	if calls.Load() != 1 {
		t.Errorf("server saw %d connections, want 1", calls.Load())
	}
	rec.none(t, channel.EventReconnecting)
}

func TestClose_StopsReconnecting(t *testing.T) {
	t.Parallel()
	srv, calls := startServer(t, func(conn *websocket.Conn, _ *http.Request, _ int64) {
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	clk := clock.NewFake(time.Unix(0, 0))
	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clk, channel.RetryPolicy{MaxAttempts: 5, Delay: time.Second})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.next(t, channel.EventReconnecting)

	if err := ch.Close("user stop"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close("again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	clk.Advance(time.Minute)
	if calls.Load() != 1 {
		t.Errorf("server saw %d connections after Close, want 1", calls.Load())
	}
	if ch.State() != channel.Closed {
		t.Errorf("state = %v, want closed", ch.State())
	}
}

func TestOpen_TearsDownExistingConnection(t *testing.T) {
	t.Parallel()
	firstClosed := make(chan websocket.StatusCode, 1)
	srv, calls := startServer(t, func(conn *websocket.Conn, _ *http.Request, n int64) {
		_, _, err := conn.Read(context.Background())
		if n == 1 {
			firstClosed <- websocket.CloseStatus(err)
		}
	})

	rec := newRecorder()
	ch := newChannel(t, wsURL(srv), rec, clock.Real(), channel.RetryPolicy{})
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := ch.Open(t.Context()); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	select {
	case code := <-firstClosed:
		if code != websocket.StatusNormalClosure {
			t.Errorf("first connection closed with %v, want normal closure", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first connection was not closed")
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d connections, want 2", calls.Load())
	}
	// The superseded connection must not trigger a reconnect.
	rec.none(t, channel.EventReconnecting)
	if ch.State() != channel.Open {
		t.Errorf("state = %v, want open", ch.State())
	}
}

func TestSend_WhenClosed(t *testing.T) {
	t.Parallel()
	ch := channel.New(channel.Config{Endpoint: "ws://127.0.0.1:1"}, nil, channel.WithMetrics(testMetrics(t)))
	if err := ch.Send(t.Context(), []byte{1}); !errors.Is(err, channel.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if err := ch.SendControl(t.Context(), channel.ControlStart); !errors.Is(err, channel.ErrNotReady) {
		t.Errorf("control err = %v, want ErrNotReady", err)
	}
}
