package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceManager creates the spans of the module. A nil *TraceManager falls
// back to the global tracer provider.
type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) t() trace.Tracer {
	if tm == nil || tm.tracer == nil {
		return otel.Tracer("vumos")
	}
	return tm.tracer
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.t().Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// InjectTraceContext writes the span context of ctx into headers.
func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext returns ctx carrying the remote span context found in headers.
func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) StartEnvelopeSpan(ctx context.Context, agentID, message, source, subject string) (context.Context, trace.Span) {
	return tm.t().Start(ctx, "handle_envelope", trace.WithAttributes(
		attribute.String("vumos.agent.id", agentID),
		attribute.String("vumos.message", message),
		attribute.String("vumos.source", source),
		attribute.String("messaging.destination", subject),
	))
}

func (tm *TraceManager) StartPublishSpan(ctx context.Context, system, subject, message string) (context.Context, trace.Span) {
	return tm.t().Start(ctx, "publish_envelope", trace.WithAttributes(
		attribute.String("messaging.system", system),
		attribute.String("messaging.destination", subject),
		attribute.String("messaging.operation", "publish"),
		attribute.String("vumos.message", message),
	), trace.WithSpanKind(trace.SpanKindProducer))
}

func (tm *TraceManager) StartConsumeSpan(ctx context.Context, system, subject string) (context.Context, trace.Span) {
	return tm.t().Start(ctx, "consume_envelope", trace.WithAttributes(
		attribute.String("messaging.system", system),
		attribute.String("messaging.source", subject),
		attribute.String("messaging.operation", "receive"),
	), trace.WithSpanKind(trace.SpanKindConsumer))
}

func (tm *TraceManager) StartTaskSpan(ctx context.Context, service string) (context.Context, trace.Span) {
	return tm.t().Start(ctx, "scheduled_task", trace.WithAttributes(
		attribute.String("vumos.service", service),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddComponentAttribute adds a component identifier to a span
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("vumos.component", component))
}
