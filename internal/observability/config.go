package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the gRPC collector address. Spans are still created
	// without one so logs carry trace ids, but nothing is exported.
	OTLPEndpoint string

	LogLevel  string
	LogFormat string
	LogWriter io.Writer

	// Registerer receives the Prometheus collector. Defaults to the
	// process-wide registry served by promhttp.Handler.
	Registerer promclient.Registerer
}

type Observability struct {
	Config  Config
	Tracer  trace.Tracer
	Meter   metric.Meter
	Logger  *slog.Logger
	Metrics *MetricsManager
	Traces  *TraceManager

	shutdown func(context.Context) error
}

func NewObservability(config Config) (*Observability, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if config.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var promOpts []prometheus.Option
	if config.Registerer != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(config.Registerer))
	}
	promExporter, err := prometheus.New(promOpts...)
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	tracer := tracerProvider.Tracer(config.ServiceName)
	meter := meterProvider.Meter(config.ServiceName)

	metrics, err := NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}

	handler, err := NewObservabilityHandler(
		newBaseHandler(config.LogFormat, ParseLevel(config.LogLevel), config.LogWriter),
		meter,
		config.ServiceName,
	)
	if err != nil {
		return nil, err
	}

	return &Observability{
		Config:  config,
		Tracer:  tracer,
		Meter:   meter,
		Logger:  slog.New(handler),
		Metrics: metrics,
		Traces:  &TraceManager{tracer: tracer},
		shutdown: func(ctx context.Context) error {
			return errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans and stops the providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	return o.shutdown(ctx)
}

func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}
