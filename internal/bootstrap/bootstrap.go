// Package bootstrap turns a config.Config into the running pieces shared by
// the vumos binaries: observability, the bus transport, the configuration
// store and the health endpoint.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IMEsec-USP/vumos-common/internal/config"
	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
	"github.com/IMEsec-USP/vumos-common/internal/transport/grpcbus"
	"github.com/IMEsec-USP/vumos-common/internal/transport/memory"
	"github.com/IMEsec-USP/vumos-common/internal/transport/zmqbus"
)

const ShutdownTimeout = 10 * time.Second

// NewObservability initializes tracing, metrics and logging for component.
func NewObservability(cfg *config.Config, component string) (*observability.Observability, error) {
	obsConfig := observability.DefaultConfig(component)
	obsConfig.ServiceVersion = cfg.Observability.Version
	obsConfig.Environment = cfg.Observability.Environment
	obsConfig.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsConfig.LogLevel = cfg.Logging.Level
	obsConfig.LogFormat = cfg.Logging.Format

	obs, err := observability.NewObservability(obsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	return obs, nil
}

// OpenTransport connects the transport selected by cfg.Transport.Kind.
func OpenTransport(cfg *config.Config, obs *observability.Observability) (transport.Transport, error) {
	logger, metrics, traces := parts(obs)

	switch cfg.Transport.Kind {
	case config.TransportMemory:
		return memory.New(logger), nil
	case config.TransportGRPC:
		return grpcbus.Dial(cfg.Transport.GRPCAddr, grpcbus.ClientConfig{
			Logger:  logger,
			Metrics: metrics,
			Traces:  traces,
		})
	case config.TransportZMQ:
		return zmqbus.Dial(cfg.Transport.ZMQPublishAddr, cfg.Transport.ZMQSubscribeAddr, zmqbus.Config{
			Logger:  logger,
			Metrics: metrics,
			Traces:  traces,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

// OpenRegistry opens the configuration store selected by cfg.Store.Backend.
// Redis keeps one hash per agent, keyed by agentID.
func OpenRegistry(ctx context.Context, cfg *config.Config, agentID string, logger *slog.Logger) (*configstore.Registry, error) {
	var (
		backend configstore.Backend
		err     error
	)

	switch cfg.Store.Backend {
	case config.StoreMemory:
		backend = configstore.NewMemoryBackend()
	case config.StoreSQLite:
		backend, err = configstore.NewSQLiteBackend(cfg.Store.Path)
	case config.StoreRedis:
		backend, err = configstore.NewRedisBackend(ctx, cfg.Store.RedisURL, agentID)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration store: %w", err)
	}

	return configstore.NewRegistry(backend, logger), nil
}

// NewHealthServer serves /health, /ready and /metrics on
// cfg.Observability.HealthAddr with a liveness check of its own.
func NewHealthServer(cfg *config.Config, component string) *observability.HealthServer {
	hs := observability.NewHealthServer(cfg.Observability.HealthAddr, component, cfg.Observability.Version)
	hs.AddChecker("self", observability.NewBasicHealthChecker("self", func(ctx context.Context) error {
		return nil
	}))
	return hs
}

// Shutdown flushes obs, logging instead of failing.
func Shutdown(obs *observability.Observability) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := obs.Shutdown(ctx); err != nil {
		obs.Logger.ErrorContext(ctx, "Observability shutdown failed",
			"error", err,
			"otlp_endpoint", obs.Config.OTLPEndpoint,
		)
	}
}

func parts(obs *observability.Observability) (*slog.Logger, *observability.MetricsManager, *observability.TraceManager) {
	if obs == nil {
		return slog.Default(), nil, nil
	}
	return obs.Logger, obs.Metrics, obs.Traces
}
