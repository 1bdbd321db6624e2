// Package observe provides application-wide observability primitives for
// leadvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all leadvoice metrics.
const meterName = "github.com/MrWong99/leadvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long Connect takes to open mic, sink and
	// channel. Use with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// CallDuration tracks the length of finished calls. Use with
	// attribute.String("reason", ...).
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts microphone frames sent to the channel.
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackDecodeErrors counts inbound chunks dropped as undecodable.
	PlaybackDecodeErrors metric.Int64Counter

	// PlaybackInterruptions counts barge-ins that truncated playback.
	PlaybackInterruptions metric.Int64Counter

	// TranscriptMessages counts committed messages. Use with
	// attribute.String("role", ...).
	TranscriptMessages metric.Int64Counter

	// ExitPhrases counts caller messages that requested a hang-up.
	ExitPhrases metric.Int64Counter

	// ChatlogWrites counts chat-log deliveries. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	ChatlogWrites metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts live-audio channel failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of connected calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15,
}

// callBuckets covers call lengths from a few seconds up to the session limit.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("leadvoice.call.connect.duration",
		metric.WithDescription("Latency of opening a call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("leadvoice.call.duration",
		metric.WithDescription("Length of finished calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("leadvoice.capture.frames",
		metric.WithDescription("Total microphone frames sent to the channel."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("leadvoice.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDecodeErrors, err = m.Int64Counter("leadvoice.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("leadvoice.playback.interruptions",
		metric.WithDescription("Total interruptions that truncated playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptMessages, err = m.Int64Counter("leadvoice.transcript.messages",
		metric.WithDescription("Total committed transcript messages by role."),
	); err != nil {
		return nil, err
	}
	if met.ExitPhrases, err = m.Int64Counter("leadvoice.exit_phrases",
		metric.WithDescription("Total caller messages containing an exit phrase."),
	); err != nil {
		return nil, err
	}
	if met.ChatlogWrites, err = m.Int64Counter("leadvoice.chatlog.writes",
		metric.WithDescription("Total chat-log deliveries by sink and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("leadvoice.provider.errors",
		metric.WithDescription("Total live-audio channel errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("leadvoice.active_calls",
		metric.WithDescription("Number of connected calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("leadvoice.http.request.duration",
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

// RecordConnect records the duration of a Connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCallEnd records the length of a finished call and why it ended.
func (m *Metrics) RecordCallEnd(ctx context.Context, seconds float64, reason string) {
	m.CallDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordMessage records one committed transcript message.
func (m *Metrics) RecordMessage(ctx context.Context, role string) {
	m.TranscriptMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordChatlogWrite records one chat-log delivery attempt.
func (m *Metrics) RecordChatlogWrite(ctx context.Context, sink, status string) {
	m.ChatlogWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
