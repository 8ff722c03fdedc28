package handler

import (
	"encoding/json"
	"net/http"
	"time"
)

// ReadinessCheck reports whether the controller is able to balance flows
type ReadinessCheck func() bool

// HealthHandler provides application health check endpoints
type HealthHandler struct {
	startTime time.Time
	version   string
	ready     ReadinessCheck
}

// NewHealthHandler creates a new health handler. A nil ready check always
// reports ready.
func NewHealthHandler(version string, ready ReadinessCheck) *HealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthHandler{
		startTime: time.Now(),
		version:   version,
		ready:     ready,
	}
}

// HealthCheckHandler reports overall process health together with readiness
func (h *HealthHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !h.ready() {
		status = "degraded"
	}
	h.write(w, http.StatusOK, status)
}

// ReadinessHandler checks if the controller is ready to balance flows
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		h.write(w, http.StatusServiceUnavailable, "not_ready")
		return
	}
	h.write(w, http.StatusOK, "ready")
}

// LivenessHandler checks if the application is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, "alive")
}

func (h *HealthHandler) write(w http.ResponseWriter, code int, status string) {
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
