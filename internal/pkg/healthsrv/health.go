// Package healthsrv exposes a liveness probe as the standard gRPC health
// service.
package healthsrv

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors"
)

// Probe reports whether the process can do its job.
type Probe func(ctx context.Context) bool

// Server is a gRPC server carrying the health service.
type Server struct {
	GRPC   *grpc.Server
	health *health.Server
	probe  Probe
}

// New builds the gRPC server with the tracing stats handler and the id and
// logging interceptors the other services use.
func New(probe Probe) *Server {
	g := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.LoggingServerInterceptor(),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	return &Server{GRPC: g, health: hs, probe: probe}
}

// Refresh runs the probe once and publishes the result for the whole server.
func (s *Server) Refresh(ctx context.Context) bool {
	ok := s.probe(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	return ok
}

// Watch refreshes every interval until ctx is done, then marks the server
// as shutting down.
func (s *Server) Watch(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	prev := s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			if ok := s.Refresh(ctx); ok != prev {
				slog.InfoContext(ctx, "healthsrv: status changed", "healthy", ok)
				prev = ok
			}
		}
	}
}

// Check answers like a remote health client would.
func (s *Server) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
