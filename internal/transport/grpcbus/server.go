package grpcbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Server hosts a Broker on a gRPC server instrumented with OpenTelemetry.
type Server struct {
	Server *grpc.Server
	Broker *Broker
	Logger *slog.Logger
}

func NewServer(cfg BrokerConfig, opts ...grpc.ServerOption) *Server {
	broker := NewBroker(cfg)

	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}, opts...)
	grpcServer := grpc.NewServer(opts...)
	RegisterEventBusServer(grpcServer, broker)

	return &Server{
		Server: grpcServer,
		Broker: broker,
		Logger: broker.logger,
	}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.Logger.Info("Event bus listening", slog.String("address", lis.Addr().String()))
	return s.Server.Serve(lis)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.Serve(lis)
}

// Stop ends every open stream and waits for pending publishes.
func (s *Server) Stop() {
	s.Logger.Info("Shutting down event bus")
	s.Broker.Close()
	s.Server.GracefulStop()
}
