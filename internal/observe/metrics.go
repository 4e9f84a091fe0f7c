// Package observe provides application-wide observability primitives for
// Echogate: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Echogate metrics.
const meterName = "github.com/tessira/echogate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TranscribeDuration tracks per-packet transcription latency. Use with
	// attribute: attribute.String("status", ...)
	TranscribeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts inbound audio frames accepted onto a queue.
	FramesReceived metric.Int64Counter

	// RepliesSent counts transcription replies delivered to clients.
	RepliesSent metric.Int64Counter

	// SessionCloses counts server-initiated session closes. Use with
	// attribute: attribute.String("reason", ...)
	SessionCloses metric.Int64Counter

	// UsageConsumedMs accumulates transcription-milliseconds charged across
	// all users.
	UsageConsumedMs metric.Int64Counter

	// EngineErrors counts transcription engine failures.
	EngineErrors metric.Int64Counter

	// BreakerTrips counts circuit-breaker openings. Use with attribute:
	// attribute.String("engine", ...)
	BreakerTrips metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InflightTasks tracks the number of transcription tasks currently
	// executing.
	InflightTasks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-packet transcription latencies up to the task deadline.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("echogate.transcribe.duration",
		metric.WithDescription("Latency of per-packet transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("echogate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("echogate.frames.received",
		metric.WithDescription("Total inbound audio frames accepted."),
	); err != nil {
		return nil, err
	}
	if met.RepliesSent, err = m.Int64Counter("echogate.replies.sent",
		metric.WithDescription("Total transcription replies delivered."),
	); err != nil {
		return nil, err
	}
	if met.SessionCloses, err = m.Int64Counter("echogate.session.closes",
		metric.WithDescription("Total server-initiated session closes by reason."),
	); err != nil {
		return nil, err
	}
	if met.UsageConsumedMs, err = m.Int64Counter("echogate.usage.consumed",
		metric.WithDescription("Total transcription-milliseconds charged."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("echogate.engine.errors",
		metric.WithDescription("Total transcription engine failures."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("echogate.breaker.trips",
		metric.WithDescription("Total circuit-breaker openings by engine."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echogate.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.InflightTasks, err = m.Int64UpDownCounter("echogate.inflight_tasks",
		metric.WithDescription("Number of transcription tasks currently executing."),
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

// RecordTranscribe records one transcription attempt's latency with its
// outcome status ("ok", "error", "timeout", "cancelled").
func (m *Metrics) RecordTranscribe(ctx context.Context, d time.Duration, status string) {
	m.TranscribeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionClose records a server-initiated session close with the
// close-reason label.
func (m *Metrics) RecordSessionClose(ctx context.Context, reason string) {
	m.SessionCloses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTrip records a circuit-breaker opening for the named engine.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, engine string) {
	m.BreakerTrips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}
