package observe

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Histogram bucket boundaries in seconds.
var (
	// speechBuckets covers utterance and clip lengths.
	speechBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}

	// handshakeBuckets stops at the default handshake timeout of 5s.
	handshakeBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5}

	// replyBuckets covers the wait for the service's answer to an utterance.
	replyBuckets = []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8, 13, 20}

	// controlBuckets covers the control API. Session commands may wait for a
	// full handshake.
	controlBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Resource attribute keys describing the voxlink instance.
const (
	AttrChannelEndpoint = attribute.Key("voxlink.channel.endpoint")
	AttrAudioBackend    = attribute.Key("voxlink.audio.backend")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxlink".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// Endpoint is the session channel endpoint. It is reported without its
	// query string or user info.
	Endpoint string

	// AudioBackend is the configured audio backend name.
	AudioBackend string

	// MetricReader replaces the Prometheus exporter when set.
	MetricReader sdkmetric.Reader

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Views returns the histogram layout for voxlink's duration instruments.
func Views() []sdkmetric.View {
	return []sdkmetric.View{
		bucketView("voxlink.utterance.duration", speechBuckets),
		bucketView("voxlink.playback.duration", speechBuckets),
		bucketView("voxlink.handshake.duration", handshakeBuckets),
		bucketView("voxlink.response.latency", replyBuckets),
		bucketView("voxlink.http.request.duration", controlBuckets),
	}
}

func bucketView(name string, bounds []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

// InitProvider installs global meter and tracer providers:
//
//   - A [sdkmetric.MeterProvider] using [Views], reading through a Prometheus
//     exporter (served by /metrics) unless cfg.MetricReader is set.
//   - A [sdktrace.TracerProvider] batching to cfg.TraceExporter, if any.
//
// The returned function flushes and closes both. Call it in a defer from
// main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader := cfg.MetricReader
	if reader == nil {
		if reader, err = promexporter.New(); err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(reader)}
	for _, v := range Views() {
		mopts = append(mopts, sdkmetric.WithView(v))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

// newResource describes this voxlink instance. Attributes are added without a
// schema URL so they merge with whatever semconv version the SDK detectors use.
func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "voxlink"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if ep := redactEndpoint(cfg.Endpoint); ep != "" {
		attrs = append(attrs, AttrChannelEndpoint.String(ep))
	}
	if cfg.AudioBackend != "" {
		attrs = append(attrs, AttrAudioBackend.String(cfg.AudioBackend))
	}
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
}

// redactEndpoint drops credentials and the query string, where a token may
// travel.
func redactEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
