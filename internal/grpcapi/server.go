// Package grpcapi exposes the access core to internal services over gRPC.
package grpcapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/ratelimit"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "impactsurvey.access"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server wraps a grpc.Server with the health service and auth interceptors.
type Server struct {
	grpc      *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewServer builds the server. auditLog and readiness may be nil.
func NewServer(a Authenticator, limiter *ratelimit.Limiter, auditLog *audit.Logger, readiness readinessChecker, opts ...grpc.ServerOption) *Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuth(a, limiter, auditLog)),
		grpc.ChainStreamInterceptor(StreamAuth(a, limiter, auditLog)),
	)
	s := &Server{
		grpc:      grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: readiness,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPC exposes the underlying server for registering further services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop drains in-flight calls and marks the service as not serving.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// CheckReadiness evaluates readiness once and publishes it to the health
// service and the ready gauge.
func (s *Server) CheckReadiness(ctx context.Context) bool {
	ready := true
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.Logger().WarnContext(ctx, "readiness check failed", "error", err.Error())
			ready = false
		}
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !ready {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	obs.SetReady(ready)
	return ready
}

// WatchReadiness re-checks readiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.CheckReadiness(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckReadiness(ctx)
		}
	}
}
