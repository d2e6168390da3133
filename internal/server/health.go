package server

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
)

// RelayService is the service name reported by the health server
const RelayService = "scoresync.Relay"

// HealthServer exposes the standard gRPC health protocol for the relay
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logger.Logger
}

// NewHealthServer builds a gRPC server with health and reflection registered
func NewHealthServer(m *metrics.Metrics, log *logger.Logger) *HealthServer {
	log = logger.OrNop(log).Component("grpc")
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(m, log)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(RelayService, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &HealthServer{grpc: grpcServer, health: hs, log: log}
}

// SetServing flips the relay service status
func (s *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(RelayService, status)
}

// Serve accepts connections on lis until Stop
func (s *HealthServer) Serve(lis net.Listener) error {
	s.log.Info("gRPC health server listening").Str("addr", lis.Addr().String()).Send()
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// Stop marks every service as not serving and stops gracefully
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
