// Package observe provides application-wide observability primitives for
// bamboo: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bamboo metrics.
const meterName = "github.com/chillpanda/bamboo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// FirstTokenLatency tracks the time from a final transcript to the
	// first streamed model token of the answering turn.
	FirstTokenLatency metric.Float64Histogram

	// FlushLatency tracks the time a synthesis segment spends between buffer
	// flush and the first audio chunk of that segment.
	FlushLatency metric.Float64Histogram

	// SessionDuration tracks the wall-clock length of voice sessions.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// EventsPublished counts dispatcher broadcasts. Use with attribute:
	//   attribute.String("type", ...)
	EventsPublished metric.Int64Counter

	// EventsDropped counts events evicted from full subscriber queues. Use
	// with attribute: attribute.String("type", ...)
	EventsDropped metric.Int64Counter

	// STTReconnects counts recognition stream reconnect attempts. Use with
	// attribute: attribute.String("status", ...)
	STTReconnects metric.Int64Counter

	// TTSFlushes counts synthesis buffer flushes. Use with attribute:
	//   attribute.String("trigger", ...)
	TTSFlushes metric.Int64Counter

	// VoiceMilliseconds counts metered outbound audio playback time in
	// milliseconds, by user-visible outcome ("allowed", "denied").
	VoiceMilliseconds metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// session lifetimes, from a bounced connection up to the marathon range the
// abuse heuristics watch for.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FirstTokenLatency, err = m.Float64Histogram("bamboo.turn.first_token.duration",
		metric.WithDescription("Time from final transcript to the first model token of the turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushLatency, err = m.Float64Histogram("bamboo.tts.flush.duration",
		metric.WithDescription("Time from synthesis buffer flush to the first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("bamboo.session.duration",
		metric.WithDescription("Wall-clock length of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsPublished, err = m.Int64Counter("bamboo.dispatch.events.published",
		metric.WithDescription("Total dispatcher broadcasts by message type."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("bamboo.dispatch.events.dropped",
		metric.WithDescription("Total events evicted from full subscriber queues by message type."),
	); err != nil {
		return nil, err
	}
	if met.STTReconnects, err = m.Int64Counter("bamboo.stt.reconnects",
		metric.WithDescription("Total recognition stream reconnect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TTSFlushes, err = m.Int64Counter("bamboo.tts.flushes",
		metric.WithDescription("Total synthesis buffer flushes by trigger."),
	); err != nil {
		return nil, err
	}
	if met.VoiceMilliseconds, err = m.Int64Counter("bamboo.voice.milliseconds",
		metric.WithDescription("Metered outbound audio playback time by outcome."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("bamboo.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("bamboo.http.request.duration",
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

// RecordSessionStart increments the live session gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, source string) {
	m.ActiveSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordSessionEnd decrements the live session gauge and records the
// session's wall-clock duration in seconds.
func (m *Metrics) RecordSessionEnd(ctx context.Context, source string, seconds float64) {
	m.ActiveSessions.Add(ctx, -1,
		metric.WithAttributes(attribute.String("source", source)),
	)
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordVoiceMs records metered playback time with the standard outcome
// attribute.
func (m *Metrics) RecordVoiceMs(ctx context.Context, ms int64, outcome string) {
	m.VoiceMilliseconds.Add(ctx, ms,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEventPublished records one broadcast for one message type.
func (m *Metrics) RecordEventPublished(ctx context.Context, messageType string) {
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", messageType)),
	)
}

// RecordEventDrop records a queue eviction for one message type.
func (m *Metrics) RecordEventDrop(ctx context.Context, messageType string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", messageType)),
	)
}
