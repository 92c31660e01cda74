package observe

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// initTestProvider installs a provider reading through a ManualReader and
// restores the previous globals afterwards.
func initTestProvider(t *testing.T, cfg ProviderConfig) *sdkmetric.ManualReader {
	t.Helper()
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	reader := sdkmetric.NewManualReader()
	cfg.MetricReader = reader
	shutdown, err := InitProvider(t.Context(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})
	return reader
}

func TestInitProvider_DurationBuckets(t *testing.T) {
	reader := initTestProvider(t, ProviderConfig{})
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := t.Context()
	m.UtteranceDuration.Record(ctx, 2.4)
	m.HandshakeDuration.Record(ctx, 0.3)
	m.ResponseLatency.Record(ctx, 1.2)
	m.HTTPRequestDuration.Record(ctx, 0.004)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	want := map[string][]float64{
		"voxlink.utterance.duration":    speechBuckets,
		"voxlink.handshake.duration":    handshakeBuckets,
		"voxlink.response.latency":      replyBuckets,
		"voxlink.http.request.duration": controlBuckets,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			bounds, ok := want[met.Name]
			if !ok {
				continue
			}
			delete(want, met.Name)
			h, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(h.DataPoints) != 1 {
				t.Errorf("%s: got %T with unexpected data points", met.Name, met.Data)
				continue
			}
			if got := h.DataPoints[0].Bounds; !slices.Equal(got, bounds) {
				t.Errorf("%s bounds = %v, want %v", met.Name, got, bounds)
			}
		}
	}
	for name := range want {
		t.Errorf("%s not collected", name)
	}
}

func TestInitProvider_ResourceDescribesInstance(t *testing.T) {
	reader := initTestProvider(t, ProviderConfig{
		ServiceVersion: "1.2.3",
		Endpoint:       "wss://user:pw@voice.example.com/ws/audio?token=secret",
		AudioBackend:   "wav",
	})
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ChannelReconnects.Add(t.Context(), 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	set := rm.Resource.Set()
	checks := map[string]struct {
		key  attribute.Key
		want string
	}{
		"service name":    {semconv.ServiceNameKey, "voxlink"},
		"service version": {semconv.ServiceVersionKey, "1.2.3"},
		"endpoint":        {AttrChannelEndpoint, "wss://voice.example.com/ws/audio"},
		"backend":         {AttrAudioBackend, "wav"},
	}
	for name, c := range checks {
		v, ok := set.Value(c.key)
		if !ok || v.AsString() != c.want {
			t.Errorf("%s = %q (present %v), want %q", name, v.AsString(), ok, c.want)
		}
	}
}

func TestRedactEndpoint(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"ws://127.0.0.1:8081":              "ws://127.0.0.1:8081",
		"wss://a:b@host/path?token=x#frag": "wss://host/path",
		"not a url":                        "",
		"":                                 "",
	}
	for in, want := range tests {
		if got := redactEndpoint(in); got != want {
			t.Errorf("redactEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
