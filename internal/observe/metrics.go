// Package observe provides application-wide observability primitives for
// Sonavox: OpenTelemetry metrics and the provider bootstrap that bridges
// them to Prometheus.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sonavox metrics.
const meterName = "github.com/MrWong99/sonavox"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// ResampleDuration tracks per-frame resampling latency.
	ResampleDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts inbound room audio frames. Use with attribute:
	//   attribute.String("participant", ...)
	FramesReceived metric.Int64Counter

	// FramesPublished counts frames handed to the outbound room track.
	FramesPublished metric.Int64Counter

	// FramesDropped counts frames discarded anywhere in the relay. Use with
	// attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksSent counts audio chunks forwarded to the AI session.
	ChunksSent metric.Int64Counter

	// ChunksReceived counts audio chunks received from the AI session.
	ChunksReceived metric.Int64Counter

	// SessionErrors counts error events reported by the AI session.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveParticipants tracks the number of participants with a live
	// audio track handler.
	ActiveParticipants metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks the number of payloads awaiting publication.
	PlaybackQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-frame audio processing latencies.
var latencyBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResampleDuration, err = m.Float64Histogram("sonavox.resample.duration",
		metric.WithDescription("Per-frame resampling latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesReceived, err = m.Int64Counter("sonavox.frames.received",
		metric.WithDescription("Inbound room audio frames by participant."),
	); err != nil {
		return nil, err
	}
	if met.FramesPublished, err = m.Int64Counter("sonavox.frames.published",
		metric.WithDescription("Frames handed to the outbound room track."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("sonavox.frames.dropped",
		metric.WithDescription("Frames discarded by the relay, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("sonavox.chunks.sent",
		metric.WithDescription("Audio chunks forwarded to the AI session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("sonavox.chunks.received",
		metric.WithDescription("Audio chunks received from the AI session."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("sonavox.session.errors",
		metric.WithDescription("Error events reported by the AI session."),
	); err != nil {
		return nil, err
	}

	if met.ActiveParticipants, err = m.Int64UpDownCounter("sonavox.active_participants",
		metric.WithDescription("Participants with a live audio track handler."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("sonavox.playback.queue_depth",
		metric.WithDescription("Payloads awaiting publication to the room."),
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

// RecordFrameReceived records one inbound frame for the given participant.
func (m *Metrics) RecordFrameReceived(ctx context.Context, participantID string) {
	m.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("participant", participantID)),
	)
}

// RecordFrameDropped records one dropped frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordResample records one resampling pass.
func (m *Metrics) RecordResample(ctx context.Context, d time.Duration) {
	m.ResampleDuration.Record(ctx, d.Seconds())
}
