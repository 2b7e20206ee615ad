package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records backbone metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish call outcome. errorClass is empty on success.
	RecordPublish(ctx context.Context, domain, category, errorClass string)

	// RecordDelivery records a finished delivery (all attempts) to one consumer.
	RecordDelivery(ctx context.Context, pipeline, consumer, outcome string, attempts int, duration time.Duration)

	// RecordRetry records one retry scheduled for an error class.
	RecordRetry(ctx context.Context, pipeline, consumer, errorClass string)

	// RecordDeadLetter records a new dead-letter entry.
	RecordDeadLetter(ctx context.Context, queue, errorClass string)

	// RecordDeadLetterBacklog records the current dead-letter depth and oldest entry age.
	RecordDeadLetterBacklog(ctx context.Context, depth int64, oldestAge time.Duration)

	// RecordFanoutRate records the per-minute event rate of a cross-domain edge.
	RecordFanoutRate(ctx context.Context, source, target string, perMinute float64)

	// RecordDrop records an event dropped by a best-effort pipeline.
	RecordDrop(ctx context.Context, pipeline, reason string)

	// RecordLegacyCall records use of a deprecated publish entry point.
	RecordLegacyCall(ctx context.Context, entryPoint string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishFailures metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	deliveryAttempt metric.Int64Histogram
	retries         metric.Int64Counter
	deadLetters     metric.Int64Counter
	deadLetterDepth metric.Int64Gauge
	deadLetterAge   metric.Float64Gauge
	fanoutRate      metric.Float64Gauge
	drops           metric.Int64Counter
	legacyCalls     metric.Int64Counter
}

// MetricsOption configures NewMetricsRecorder.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	provider metric.MeterProvider
}

// WithMeterProvider sets the meter provider. Default: the global OTel provider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(c *metricsConfig) { c.provider = mp }
}

// newOtelMetrics creates the instruments from a meter.
func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.publishes, err = meter.Int64Counter("backbone.publish.accepted",
		metric.WithDescription("Number of accepted publish calls"),
	); err != nil {
		return nil, err
	}
	if m.publishFailures, err = meter.Int64Counter("backbone.publish.rejected",
		metric.WithDescription("Number of rejected publish calls"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("backbone.delivery.completed",
		metric.WithDescription("Number of finished deliveries by outcome"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("backbone.delivery.latency_ms",
		metric.WithDescription("Delivery latency across all attempts in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.deliveryAttempt, err = meter.Int64Histogram("backbone.delivery.attempts",
		metric.WithDescription("Attempts used per finished delivery"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("backbone.delivery.retries",
		metric.WithDescription("Number of retries by error class"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("backbone.deadletter.enqueued",
		metric.WithDescription("Number of dead-letter entries created"),
	); err != nil {
		return nil, err
	}
	if m.deadLetterDepth, err = meter.Int64Gauge("backbone.deadletter.depth",
		metric.WithDescription("Number of unreplayed dead-letter entries"),
	); err != nil {
		return nil, err
	}
	if m.deadLetterAge, err = meter.Float64Gauge("backbone.deadletter.oldest_age",
		metric.WithDescription("Age of the oldest unreplayed dead-letter entry"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.fanoutRate, err = meter.Float64Gauge("backbone.fanout.edge_rate",
		metric.WithDescription("Events per minute on a cross-domain routing edge"),
		metric.WithUnit("{event}/min"),
	); err != nil {
		return nil, err
	}
	if m.drops, err = meter.Int64Counter("backbone.pipeline.dropped",
		metric.WithDescription("Number of events dropped by best-effort pipelines"),
	); err != nil {
		return nil, err
	}
	if m.legacyCalls, err = meter.Int64Counter("backbone.legacy.calls",
		metric.WithDescription("Number of calls through deprecated publish entry points"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// Without WithMeterProvider the recorder uses the global OTel meter provider:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder(opts ...MetricsOption) MetricsRecorder {
	cfg := metricsConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetMeterProvider()
	}

	m, err := newOtelMetrics(cfg.provider.Meter("backbone"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a publish outcome.
func (m *otelMetrics) RecordPublish(ctx context.Context, domain, category, errorClass string) {
	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.String("category", category),
	}
	if errorClass == "" {
		m.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	attrs = append(attrs, attribute.String("error_class", errorClass))
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDelivery records a finished delivery.
func (m *otelMetrics) RecordDelivery(ctx context.Context, pipeline, consumer, outcome string, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("consumer", consumer),
		attribute.String("outcome", outcome),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.deliveryAttempt.Record(ctx, int64(attempts), attrs)
}

// RecordRetry records a scheduled retry.
func (m *otelMetrics) RecordRetry(ctx context.Context, pipeline, consumer, errorClass string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("consumer", consumer),
		attribute.String("error_class", errorClass),
	))
}

// RecordDeadLetter records a new dead-letter entry.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, queue, errorClass string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("error_class", errorClass),
	))
}

// RecordDeadLetterBacklog records dead-letter depth and age.
func (m *otelMetrics) RecordDeadLetterBacklog(ctx context.Context, depth int64, oldestAge time.Duration) {
	m.deadLetterDepth.Record(ctx, depth)
	m.deadLetterAge.Record(ctx, oldestAge.Seconds())
}

// RecordFanoutRate records a cross-domain edge rate.
func (m *otelMetrics) RecordFanoutRate(ctx context.Context, source, target string, perMinute float64) {
	m.fanoutRate.Record(ctx, perMinute, metric.WithAttributes(
		attribute.String("source_domain", source),
		attribute.String("target_domain", target),
	))
}

// RecordDrop records a dropped event.
func (m *otelMetrics) RecordDrop(ctx context.Context, pipeline, reason string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("reason", reason),
	))
}

// RecordLegacyCall records a deprecated entry point call.
func (m *otelMetrics) RecordLegacyCall(ctx context.Context, entryPoint string) {
	m.legacyCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entry_point", entryPoint),
	))
}
