package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span covering validation, stamping and handoff.
	StartPublishSpan(ctx context.Context, domain, eventType string) (context.Context, trace.Span)

	// StartDeliverySpan starts a span for one delivery attempt to a consumer.
	StartDeliverySpan(ctx context.Context, pipeline, consumer, eventID string, attempt int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// TracingOption configures NewSpanManager.
type TracingOption func(*tracingConfig)

type tracingConfig struct {
	provider trace.TracerProvider
}

// WithTracerProvider sets the tracer provider. Default: the global OTel provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *tracingConfig) { c.provider = tp }
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// Without WithTracerProvider the span manager uses the global OTel tracer provider:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager(opts ...TracingOption) SpanManager {
	cfg := tracingConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: cfg.provider.Tracer("backbone")}
}

// StartPublishSpan starts a producer span for a publish call.
func (m *otelSpanManager) StartPublishSpan(ctx context.Context, domain, eventType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "backbone.publish",
		trace.WithAttributes(
			attribute.String("event.domain", domain),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartDeliverySpan starts a consumer span for a delivery attempt.
func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, pipeline, consumer, eventID string, attempt int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "backbone.deliver."+consumer,
		trace.WithAttributes(
			attribute.String("pipeline", pipeline),
			attribute.String("consumer", consumer),
			attribute.String("event.id", eventID),
			attribute.Int("attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
