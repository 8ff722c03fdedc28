package handler

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/openflow-lb/pkg/logger"
)

// ControllerServiceName is the gRPC health service name of the controller
const ControllerServiceName = "openflow_lb.Controller"

// GRPCHealthHandler serves the standard gRPC health protocol. The
// controller service is SERVING only while the readiness check passes.
type GRPCHealthHandler struct {
	server   *grpc.Server
	health   *health.Server
	ready    ReadinessCheck
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	serving bool
	stop    chan struct{}
	done    chan struct{}
}

// NewGRPCHealthHandler creates a gRPC server with the health service
// registered. interval sets how often readiness is re-evaluated.
func NewGRPCHealthHandler(ready ReadinessCheck, interval time.Duration, log *logger.Logger) *GRPCHealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	if interval <= 0 {
		interval = time.Second
	}

	hs := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	h := &GRPCHealthHandler{
		server:   server,
		health:   hs,
		ready:    ready,
		interval: interval,
		logger:   log.WithField("component", "grpc_health"),
	}
	h.Refresh()
	return h
}

// Server returns the underlying gRPC server
func (h *GRPCHealthHandler) Server() *grpc.Server {
	return h.server
}

// Refresh re-evaluates readiness and publishes the resulting status
func (h *GRPCHealthHandler) Refresh() {
	serving := h.ready()

	h.mu.Lock()
	changed := serving != h.serving
	h.serving = serving
	h.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ControllerServiceName, status)

	if changed {
		h.logger.WithField("status", status.String()).Info("gRPC health status changed")
	}
}

// Start keeps the health status current until ctx is done or Stop is called
func (h *GRPCHealthHandler) Start(ctx context.Context) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	h.stop, h.done = stop, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				h.Refresh()
			}
		}
	}()
}

// Stop ends the refresh loop and marks every service NOT_SERVING
func (h *GRPCHealthHandler) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	h.health.Shutdown()
}

// IsGRPCRequest reports whether r is a gRPC call
func IsGRPCRequest(r *http.Request) bool {
	return r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}
