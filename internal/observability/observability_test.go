package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObservability(t *testing.T, buf *bytes.Buffer) (*Observability, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig("test-service")
	cfg.LogFormat = "json"
	cfg.LogWriter = buf
	cfg.Registerer = reg

	obs, err := NewObservability(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })
	return obs, reg
}

func TestLogger_AttachesTraceContext(t *testing.T) {
	var buf bytes.Buffer
	obs, _ := newTestObservability(t, &buf)

	ctx, span := obs.Traces.StartSpan(context.Background(), "op")
	obs.Logger.InfoContext(ctx, "inside span", "agent_id", "a1")
	span.End()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "inside span", line["msg"])
	assert.Equal(t, "test-service", line["service"])
	assert.Equal(t, "a1", line["agent_id"])
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
}

func TestLogger_NoSpanNoTraceID(t *testing.T) {
	var buf bytes.Buffer
	obs, _ := newTestObservability(t, &buf)

	obs.Logger.Info("plain")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "trace_id")
}

func TestMetrics_ExportedToRegistry(t *testing.T) {
	var buf bytes.Buffer
	obs, reg := newTestObservability(t, &buf)
	ctx := context.Background()

	obs.Metrics.IncrementEnvelopesReceived(ctx, "hello", OutcomeDispatched)
	obs.Metrics.IncrementHeartbeats(ctx, "green")

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "vumos_envelopes_received")
	assert.Contains(t, body, "vumos_heartbeats")
}

func TestNilManagersAreNoops(t *testing.T) {
	var mm *MetricsManager
	var tm *TraceManager
	ctx := context.Background()

	assert.NotPanics(t, func() {
		mm.IncrementEnvelopesPublished(ctx, "hello", "broadcast")
		mm.StartTimer()(ctx, "hello")
		_, span := tm.StartSpan(ctx, "op")
		tm.SetSpanSuccess(span)
		span.End()
	})
}

func TestTraceContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	obs, _ := newTestObservability(t, &buf)

	ctx, span := obs.Traces.StartSpan(context.Background(), "publish")
	defer span.End()

	headers := map[string]string{}
	obs.Traces.InjectTraceContext(ctx, headers)
	require.NotEmpty(t, headers["traceparent"])

	remote := obs.Traces.ExtractTraceContext(context.Background(), headers)
	_, child := obs.Traces.StartSpan(remote, "consume")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("text", "warn", &buf)

	logger.Info("hidden")
	logger.With("agent_id", "a1").WithGroup("req").Warn("shown", "subject", "broadcast")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "agent_id=")
	assert.Contains(t, out, "req.subject=")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestHealthServer(t *testing.T) {
	hs := NewHealthServer(":0", "broker", "1.0.0")
	hs.Metrics = http.NotFoundHandler()
	hs.AddChecker("transport", NewBasicHealthChecker("transport", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	require.Len(t, resp.Checks, 1)

	hs.AddChecker("store", NewBasicHealthChecker("store", func(context.Context) error { return errors.New("down") }))

	rec = httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "down", resp.Checks[0].Message)
}
