package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/internal/middleware"
	"github.com/mir00r/openflow-lb/internal/repository"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// StatusProvider exposes controller state to the admin API
type StatusProvider interface {
	IsRunning() bool
	GetStats() map[string]interface{}
}

// AdminState groups the tables the admin API reads
type AdminState struct {
	Service    domain.VirtualService
	Pool       *repository.InMemoryBackendPool
	Hosts      *repository.HostLocationTable
	Loads      *repository.LoadTable
	Switches   *repository.SwitchRegistry
	Adjacency  *repository.AdjacencyTable
	Controller StatusProvider
}

// AdminHandler provides read-only administrative API endpoints
type AdminHandler struct {
	state     AdminState
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(state AdminState, logger *logger.Logger) *AdminHandler {
	return &AdminHandler{
		state:     state,
		logger:    logger.AdminLogger(),
		startTime: time.Now(),
	}
}

// BackendResponse represents backend information in API responses
type BackendResponse struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Load int64  `json:"load"`
	DPID string `json:"dpid,omitempty"`
	Port int    `json:"port,omitempty"`
}

// BackendsResponse is the body of GET /admin/backends
type BackendsResponse struct {
	Backends         []BackendResponse `json:"backends"`
	LoadGeneration   uint32            `json:"load_generation"`
	LoadsPublishedAt *time.Time        `json:"loads_published_at,omitempty"`
}

// SwitchesResponse is the body of GET /admin/switches
type SwitchesResponse struct {
	Switches []string `json:"switches"`
	Count    int      `json:"count"`
}

// LinkResponse is one known adjacency
type LinkResponse struct {
	DPID1 string `json:"dpid1"`
	Port1 int    `json:"port1"`
	DPID2 string `json:"dpid2"`
	Port2 int    `json:"port2"`
}

// HostResponse is one entry of the host location table
type HostResponse struct {
	IP   string `json:"ip"`
	DPID string `json:"dpid"`
	Port int    `json:"port"`
}

// StatusResponse is the body of GET /admin/status
type StatusResponse struct {
	VirtualIP  string                 `json:"virtual_ip"`
	VirtualMAC string                 `json:"virtual_mac"`
	Running    bool                   `json:"running"`
	Uptime     string                 `json:"uptime"`
	Controller map[string]interface{} `json:"controller"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// RegisterRoutes mounts the admin endpoints on router. They sit on the root
// router so a wrong method gets 405 rather than 404.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/backends", h.ListBackendsHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/backends/{id}", h.GetBackendHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/switches", h.ListSwitchesHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/links", h.ListLinksHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/hosts", h.ListHostsHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/status", h.StatusHandler).Methods(http.MethodGet)
}

// ListBackendsHandler handles GET /admin/backends
func (h *AdminHandler) ListBackendsHandler(w http.ResponseWriter, r *http.Request) {
	loads := h.state.Loads.Snapshot()
	xid, publishedAt := h.state.Loads.Generation()

	response := BackendsResponse{
		Backends:       make([]BackendResponse, 0, h.state.Pool.Len()),
		LoadGeneration: xid,
	}
	if !publishedAt.IsZero() {
		response.LoadsPublishedAt = &publishedAt
	}
	for _, backend := range h.state.Pool.GetAll() {
		response.Backends = append(response.Backends, h.backendResponse(backend, loads[backend.ID]))
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GetBackendHandler handles GET /admin/backends/{id}
func (h *AdminHandler) GetBackendHandler(w http.ResponseWriter, r *http.Request) {
	backendID := mux.Vars(r)["id"]

	backend, err := h.state.Pool.GetByID(backendID)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), http.StatusNotFound, middleware.RequestID(r.Context()))
		return
	}

	h.writeJSON(w, http.StatusOK, h.backendResponse(backend, h.state.Loads.Load(backend.ID)))
}

func (h *AdminHandler) backendResponse(backend *domain.Backend, load int64) BackendResponse {
	resp := BackendResponse{
		ID:   backend.ID,
		IP:   backend.IP.String(),
		MAC:  backend.MAC.String(),
		Load: load,
	}
	if loc, err := h.state.Hosts.Lookup(backend.IP); err == nil {
		resp.DPID = loc.DPID.String()
		resp.Port = int(loc.Port)
	}
	return resp
}

// ListSwitchesHandler handles GET /admin/switches
func (h *AdminHandler) ListSwitchesHandler(w http.ResponseWriter, r *http.Request) {
	connected := h.state.Switches.Connected()

	response := SwitchesResponse{
		Switches: make([]string, 0, len(connected)),
		Count:    len(connected),
	}
	for _, dpid := range connected {
		response.Switches = append(response.Switches, dpid.String())
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ListLinksHandler handles GET /admin/links
func (h *AdminHandler) ListLinksHandler(w http.ResponseWriter, r *http.Request) {
	links := h.state.Adjacency.Links()

	response := make([]LinkResponse, 0, len(links))
	for _, link := range links {
		response = append(response, LinkResponse{
			DPID1: link.DPID1.String(),
			Port1: int(link.Port1),
			DPID2: link.DPID2.String(),
			Port2: int(link.Port2),
		})
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ListHostsHandler handles GET /admin/hosts
func (h *AdminHandler) ListHostsHandler(w http.ResponseWriter, r *http.Request) {
	hosts := h.state.Hosts.All()

	response := make([]HostResponse, 0, len(hosts))
	for _, loc := range hosts {
		response = append(response, HostResponse{
			IP:   loc.IP.String(),
			DPID: loc.DPID.String(),
			Port: int(loc.Port),
		})
	}

	h.writeJSON(w, http.StatusOK, response)
}

// StatusHandler handles GET /admin/status
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		VirtualIP:  h.state.Service.IP.String(),
		VirtualMAC: h.state.Service.MAC.String(),
		Running:    h.state.Controller.IsRunning(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Controller: h.state.Controller.GetStats(),
	}

	h.writeJSON(w, http.StatusOK, response)

	h.logger.WithFields(map[string]interface{}{
		"component": "admin_api",
		"action":    "status",
	}).Debug("Served controller status")
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).WithField("component", "admin_api").Warn("Failed to encode response")
	}
}

// writeErrorResponse writes a standardized error response
func (h *AdminHandler) writeErrorResponse(w http.ResponseWriter, message string, code int, requestID string) {
	response := ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)

	h.logger.WithFields(map[string]interface{}{
		"component":  "admin_api",
		"error":      message,
		"code":       code,
		"request_id": requestID,
	}).Warn("API error response")
}
