// Package observability wires logging, tracing, metrics and health checks.
//
// NewObservability installs an OpenTelemetry tracer provider (exporting over
// OTLP/gRPC when an endpoint is configured), a meter provider backed by the
// Prometheus exporter, and a slog logger whose records carry the trace and
// span ids of their context:
//
//	obs, err := observability.NewObservability(observability.DefaultConfig("vumos-broker"))
//	if err != nil {
//	    return err
//	}
//	defer obs.Shutdown(context.Background())
//
//	obs.Logger.InfoContext(ctx, "started")
//	obs.Metrics.IncrementHeartbeats(ctx, "green")
//
// Logs are JSON or colorized text depending on Config.LogFormat.
//
// HealthServer exposes /health and /ready, aggregating registered
// HealthChecker results, and /metrics for Prometheus scraping.
//
// MetricsManager and TraceManager accept nil receivers so agents and tests
// can run without the full stack.
package observability
