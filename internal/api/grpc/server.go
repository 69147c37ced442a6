// Package grpcapi serves the standard gRPC health protocol so orchestrators
// can probe the transcription service over gRPC.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"voxscribe-service/internal/observability"
	"voxscribe-service/internal/observability/metrics"
)

// ServiceName is the health-checked service name.
const ServiceName = "voxscribe.Transcription"

// Server wraps a grpc.Server exposing health and reflection.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates the server with both health entries SERVING.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(grpc.UnaryInterceptor(observability.UnaryServerInterceptor(m)))

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	return &Server{grpc: g, health: hs}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC health server")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// SetNotServing marks every entry NOT_SERVING. Watchers are notified.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	log.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
