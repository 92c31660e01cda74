// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesAnalyzed counts classified frames. Use with attribute:
	//   attribute.Bool("voiced", ...)
	FramesAnalyzed metric.Int64Counter

	// FramesSuppressed counts frames discarded without classification
	// because a response was playing or the session was not listening.
	FramesSuppressed metric.Int64Counter

	// UtteranceDuration tracks the audio length of flushed utterances.
	UtteranceDuration metric.Float64Histogram

	// Utterances counts utterance outcomes. Use with attribute:
	//   attribute.String("outcome", "flushed"|"discarded"|"failed")
	Utterances metric.Int64Counter

	// --- Session channel ---

	// ChannelReconnects counts scheduled reconnect attempts.
	ChannelReconnects metric.Int64Counter

	// SendsDropped counts outbound messages dropped because the channel was
	// not open.
	SendsDropped metric.Int64Counter

	// ChannelMessages counts inbound messages. Use with attribute:
	//   attribute.String("kind", "text"|"audio"|"malformed")
	ChannelMessages metric.Int64Counter

	// HandshakeDuration tracks connection handshake latency.
	HandshakeDuration metric.Float64Histogram

	// --- Playback ---

	// PlaybackDuration tracks how long response clips played.
	PlaybackDuration metric.Float64Histogram

	// PlaybackErrors counts decode and device failures.
	PlaybackErrors metric.Int64Counter

	// --- Session ---

	// ResponseLatency tracks the time from an utterance flush to the first
	// inbound reply.
	ResponseLatency metric.Float64Histogram

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks the number of sessions currently listening,
	// processing or speaking.
	ActiveSessions metric.Int64UpDownCounter

	// JournalDropped counts journal entries dropped because the write queue
	// was full or the store was unavailable.
	JournalDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("voxlink.utterance.duration",
		metric.WithDescription("Audio length of flushed utterances."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voxlink.handshake.duration",
		metric.WithDescription("Latency of the session channel handshake."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("voxlink.playback.duration",
		metric.WithDescription("Wall-clock duration of response playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voxlink.response.latency",
		metric.WithDescription("Time from utterance flush to the first inbound reply."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesAnalyzed, err = m.Int64Counter("voxlink.frames.analyzed",
		metric.WithDescription("Total classified capture frames by voiced flag."),
	); err != nil {
		return nil, err
	}
	if met.FramesSuppressed, err = m.Int64Counter("voxlink.frames.suppressed",
		metric.WithDescription("Total capture frames discarded without classification."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxlink.utterances",
		metric.WithDescription("Total utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChannelReconnects, err = m.Int64Counter("voxlink.channel.reconnects",
		metric.WithDescription("Total scheduled reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.SendsDropped, err = m.Int64Counter("voxlink.channel.sends.dropped",
		metric.WithDescription("Total outbound messages dropped while the channel was not open."),
	); err != nil {
		return nil, err
	}
	if met.ChannelMessages, err = m.Int64Counter("voxlink.channel.messages",
		metric.WithDescription("Total inbound messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("voxlink.playback.errors",
		metric.WithDescription("Total playback decode and device failures."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voxlink.state.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.JournalDropped, err = m.Int64Counter("voxlink.journal.dropped",
		metric.WithDescription("Total journal entries dropped because the queue was full."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of sessions listening, processing or speaking."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one classified frame.
func (m *Metrics) RecordFrame(ctx context.Context, voiced bool) {
	m.FramesAnalyzed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("voiced", strconv.FormatBool(voiced))),
	)
}

// RecordUtterance records an utterance outcome. seconds is only recorded for
// flushed utterances.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string, seconds float64) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if outcome == "flushed" {
		m.UtteranceDuration.Record(ctx, seconds)
	}
}

// RecordInbound records one inbound message of the given kind.
func (m *Metrics) RecordInbound(ctx context.Context, kind string) {
	m.ChannelMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTransition records a session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
