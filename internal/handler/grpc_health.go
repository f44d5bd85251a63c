package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "approvals.v1.ApprovalService"

// GRPCHealth keeps the standard gRPC health service in step with the
// database.
type GRPCHealth struct {
	server   *health.Server
	ping     func(ctx context.Context) error
	interval time.Duration
	log      *logger.Logger
}

// NewGRPCHealth creates a health reporter. A nil ping always reports serving.
func NewGRPCHealth(ping func(ctx context.Context) error, interval time.Duration, log *logger.Logger) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &GRPCHealth{
		server:   health.NewServer(),
		ping:     ping,
		interval: interval,
		log:      log,
	}
}

// Register adds the health and reflection services to s.
func (g *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.server)
	reflection.Register(s)
}

// Check pings the database once and publishes the result.
func (g *GRPCHealth) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if g.ping != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := g.ping(ctx); err != nil {
			g.log.Warn().Err(err).Msg("Health check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(ServiceName, status)
	return status
}

// Run probes until ctx is cancelled, then marks the service as shutting down.
func (g *GRPCHealth) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return nil
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}
