package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityHandler decorates a slog.Handler with the service name and the
// trace and span ids found in the record's context, and counts log records.
type ObservabilityHandler struct {
	next        slog.Handler
	serviceName string
	logCounter  metric.Int64Counter
}

func NewObservabilityHandler(next slog.Handler, meter metric.Meter, serviceName string) (*ObservabilityHandler, error) {
	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ObservabilityHandler{
		next:        next.WithAttrs([]slog.Attr{slog.String("service", serviceName)}),
		serviceName: serviceName,
		logCounter:  logCounter,
	}, nil
}

func (h *ObservabilityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ObservabilityHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		r = r.Clone()
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	h.logCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", r.Level.String()),
		attribute.String("service", h.serviceName),
	))

	return h.next.Handle(ctx, r)
}

func (h *ObservabilityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ObservabilityHandler{
		next:        h.next.WithAttrs(attrs),
		serviceName: h.serviceName,
		logCounter:  h.logCounter,
	}
}

func (h *ObservabilityHandler) WithGroup(name string) slog.Handler {
	return &ObservabilityHandler{
		next:        h.next.WithGroup(name),
		serviceName: h.serviceName,
		logCounter:  h.logCounter,
	}
}
