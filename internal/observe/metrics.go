// Package observe provides application-wide observability primitives for
// Spotters: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Spotters metrics.
const meterName = "github.com/MrWong99/spotters"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio ---

	// FrameDuration tracks the time spent turning one captured frame into
	// broadcast events.
	FrameDuration metric.Float64Histogram

	// FramesProcessed counts frames that produced events. Use with attribute:
	//   attribute.String("user", ...)
	FramesProcessed metric.Int64Counter

	// FramesSkipped counts frames discarded because no broadcast transport
	// was available. Use with attribute:
	//   attribute.String("user", ...)
	FramesSkipped metric.Int64Counter

	// ActiveMonitors tracks the number of running audio monitors.
	ActiveMonitors metric.Int64UpDownCounter

	// --- Broadcast ---

	// EventsPublished counts events handed to the broadcast hub.
	EventsPublished metric.Int64Counter

	// EventsDropped counts per-subscriber deliveries that were dropped. Use
	// with attribute:
	//   attribute.String("reason", "queue_full"|"offline")
	EventsDropped metric.Int64Counter

	// Subscribers tracks the number of connected overlay clients.
	Subscribers metric.Int64UpDownCounter

	// --- Configuration ---

	// ConfigSaveAttempts counts individual file write attempts.
	ConfigSaveAttempts metric.Int64Counter

	// ConfigSaves counts completed save operations. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConfigSaves metric.Int64Counter

	// ConfigReloads counts configurations picked up from external edits.
	ConfigReloads metric.Int64Counter

	// CharacterUpdates counts character update batches. Use with attribute:
	//   attribute.String("status", "ok"|"not_found"|"conflict"|"error")
	CharacterUpdates metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) for
// per-frame processing, which should stay far below the 100 ms buffer length.
var frameBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDuration, err = m.Float64Histogram("spotters.audio.frame.duration",
		metric.WithDescription("Time spent converting one captured frame into broadcast events."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("spotters.audio.frames.processed",
		metric.WithDescription("Captured frames that produced broadcast events, by user."),
	); err != nil {
		return nil, err
	}
	if met.FramesSkipped, err = m.Int64Counter("spotters.audio.frames.skipped",
		metric.WithDescription("Captured frames skipped because the broadcast hub was offline, by user."),
	); err != nil {
		return nil, err
	}
	if met.ActiveMonitors, err = m.Int64UpDownCounter("spotters.audio.active_monitors",
		metric.WithDescription("Number of running audio monitors."),
	); err != nil {
		return nil, err
	}

	if met.EventsPublished, err = m.Int64Counter("spotters.broadcast.events.published",
		metric.WithDescription("Volume events published to the broadcast hub."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("spotters.broadcast.events.dropped",
		metric.WithDescription("Per-subscriber event deliveries dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("spotters.broadcast.subscribers",
		metric.WithDescription("Number of connected overlay subscribers."),
	); err != nil {
		return nil, err
	}

	if met.ConfigSaveAttempts, err = m.Int64Counter("spotters.config.save.attempts",
		metric.WithDescription("Configuration file write attempts, including retries."),
	); err != nil {
		return nil, err
	}
	if met.ConfigSaves, err = m.Int64Counter("spotters.config.saves",
		metric.WithDescription("Configuration save operations by status."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("spotters.config.reloads",
		metric.WithDescription("Configurations reloaded after external edits."),
	); err != nil {
		return nil, err
	}
	if met.CharacterUpdates, err = m.Int64Counter("spotters.characters.updates",
		metric.WithDescription("Character update batches by status."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("spotters.http.request.duration",
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

// RecordFrame records one processed frame for user.
func (m *Metrics) RecordFrame(ctx context.Context, user string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("user", user))
	m.FramesProcessed.Add(ctx, 1, attrs)
	m.FrameDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFrameSkipped records a frame discarded while the hub was offline.
func (m *Metrics) RecordFrameSkipped(ctx context.Context, user string) {
	m.FramesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("user", user)))
}

// RecordDropped records n dropped deliveries with the given reason.
func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int64) {
	if n <= 0 {
		return
	}
	m.EventsDropped.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConfigSave records a completed save operation.
func (m *Metrics) RecordConfigSave(ctx context.Context, status string) {
	m.ConfigSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCharacterUpdate records a character update batch outcome.
func (m *Metrics) RecordCharacterUpdate(ctx context.Context, status string) {
	m.CharacterUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
