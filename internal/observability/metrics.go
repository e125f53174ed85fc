package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes recorded by IncrementEnvelopesReceived.
const (
	OutcomeDispatched    = "dispatched"
	OutcomeDuplicate     = "duplicate"
	OutcomeSelf          = "self"
	OutcomeIgnoredSource = "ignored_source"
	OutcomeMalformed     = "malformed"
)

// MetricsManager owns every instrument of the module. A nil *MetricsManager
// is valid and records nothing.
type MetricsManager struct {
	meter metric.Meter

	// Agent metrics
	envelopesReceivedTotal   metric.Int64Counter
	envelopesPublishedTotal  metric.Int64Counter
	envelopeErrorsTotal      metric.Int64Counter
	envelopeHandlingDuration metric.Float64Histogram
	heartbeatsTotal          metric.Int64Counter
	tasksRunTotal            metric.Int64Counter
	taskDuration             metric.Float64Histogram

	// Broker metrics
	brokerRoutedTotal     metric.Int64Counter
	brokerDuplicatesTotal metric.Int64Counter
	brokerErrorsTotal     metric.Int64Counter
	brokerSubscribers     metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.envelopesReceivedTotal, err = meter.Int64Counter(
		"vumos_envelopes_received_total",
		metric.WithDescription("Total number of envelopes received, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.envelopesPublishedTotal, err = meter.Int64Counter(
		"vumos_envelopes_published_total",
		metric.WithDescription("Total number of envelopes published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.envelopeErrorsTotal, err = meter.Int64Counter(
		"vumos_envelope_errors_total",
		metric.WithDescription("Total number of envelope handling errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.envelopeHandlingDuration, err = meter.Float64Histogram(
		"vumos_envelope_handling_duration_seconds",
		metric.WithDescription("Envelope handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.heartbeatsTotal, err = meter.Int64Counter(
		"vumos_heartbeats_total",
		metric.WithDescription("Total number of status heartbeats sent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksRunTotal, err = meter.Int64Counter(
		"vumos_scheduled_tasks_total",
		metric.WithDescription("Total number of scheduled task runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskDuration, err = meter.Float64Histogram(
		"vumos_scheduled_task_duration_seconds",
		metric.WithDescription("Scheduled task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerRoutedTotal, err = meter.Int64Counter(
		"vumos_broker_messages_routed_total",
		metric.WithDescription("Total number of deliveries handed to subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerDuplicatesTotal, err = meter.Int64Counter(
		"vumos_broker_duplicates_total",
		metric.WithDescription("Total number of publishes dropped as duplicates"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerErrorsTotal, err = meter.Int64Counter(
		"vumos_broker_errors_total",
		metric.WithDescription("Total number of broker routing errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.brokerSubscribers, err = meter.Int64UpDownCounter(
		"vumos_broker_subscribers",
		metric.WithDescription("Number of active subscriber streams"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Agent metrics methods
func (mm *MetricsManager) IncrementEnvelopesReceived(ctx context.Context, message, outcome string) {
	if mm == nil {
		return
	}
	mm.envelopesReceivedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message", message),
		attribute.String("outcome", outcome),
	))
}

func (mm *MetricsManager) IncrementEnvelopesPublished(ctx context.Context, message, destination string) {
	if mm == nil {
		return
	}
	mm.envelopesPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message", message),
		attribute.String("destination", destination),
	))
}

func (mm *MetricsManager) IncrementEnvelopeErrors(ctx context.Context, message, errorKind string) {
	if mm == nil {
		return
	}
	mm.envelopeErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message", message),
		attribute.String("error", errorKind),
	))
}

func (mm *MetricsManager) IncrementHeartbeats(ctx context.Context, code string) {
	if mm == nil {
		return
	}
	mm.heartbeatsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (mm *MetricsManager) RecordTaskRun(ctx context.Context, service string, success bool, duration time.Duration) {
	if mm == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.Bool("success", success),
	)
	mm.tasksRunTotal.Add(ctx, 1, attrs)
	mm.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// Broker metrics methods
func (mm *MetricsManager) IncrementBrokerRouted(ctx context.Context, subject string) {
	if mm == nil {
		return
	}
	mm.brokerRoutedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

func (mm *MetricsManager) IncrementBrokerDuplicates(ctx context.Context) {
	if mm == nil {
		return
	}
	mm.brokerDuplicatesTotal.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementBrokerErrors(ctx context.Context, subject, errorKind string) {
	if mm == nil {
		return
	}
	mm.brokerErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("error", errorKind),
	))
}

func (mm *MetricsManager) AddBrokerSubscribers(ctx context.Context, delta int64) {
	if mm == nil {
		return
	}
	mm.brokerSubscribers.Add(ctx, delta)
}

// StartTimer returns a function recording the envelope handling duration.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, message string) {
	start := time.Now()
	return func(ctx context.Context, message string) {
		if mm == nil {
			return
		}
		mm.envelopeHandlingDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("message", message),
		))
	}
}
