package observability

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker manages health checks for both gRPC and HTTP
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	pipeline   bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTPServer starts the HTTP health check server
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetPipelineRunning reports whether the validation pipeline loop is
// alive. The loop exits on fatal transactional failures, so readiness
// tracks it directly.
func (h *HealthChecker) SetPipelineRunning(running bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pipeline = running
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready && h.pipeline
	h.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
