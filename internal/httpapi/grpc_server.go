package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"revealgate.dev/internal/obs"
)

// HealthServer serves grpc.health.v1.Health with a status that follows the
// readiness check, both for the empty service name and for "revealgate".
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = StoreCheck{}
	}
	h := &HealthServer{srv: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Refresh runs the readiness check once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.readiness.Check(ctx); err != nil {
		obs.Logger().Warn("grpc health: not ready", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Monitor refreshes every interval until ctx is done, then reports NOT_SERVING
// to watchers through Shutdown.
func (h *HealthServer) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		h.Refresh(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}

// NewGRPCServer builds a gRPC server exposing only the health service.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}
