package southbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/internal/eventloop"
)

const (
	maxBodyBytes     = 4 << 20
	defaultBatchSize = 256
)

// PublishResponse is the body returned for POST /southbound/events
type PublishResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// MessagesResponse is the body returned for GET /southbound/switches/{dpid}/messages
type MessagesResponse struct {
	DPID     string       `json:"dpid"`
	Messages []MessageDTO `json:"messages"`
}

// PathRequestsResponse is the body returned for GET /southbound/path-requests
type PathRequestsResponse struct {
	Requests []PathRequestDTO `json:"requests"`
}

// RegisterRoutes mounts the agent endpoints on router
func (b *Bridge) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/southbound/events", b.PublishHandler).Methods(http.MethodPost)
	router.HandleFunc("/southbound/switches/{dpid}/messages", b.MessagesHandler).Methods(http.MethodGet)
	router.HandleFunc("/southbound/path-requests", b.PathRequestsHandler).Methods(http.MethodGet)
}

// PublishHandler accepts one event object or an array of them. Events are
// published in order; the first failure stops the batch.
func (b *Bridge) PublishHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, PublishResponse{Error: err.Error()})
		return
	}

	var events []EventDTO
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var single EventDTO
		err = json.Unmarshal(trimmed, &single)
		events = []EventDTO{single}
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, PublishResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	for i, ev := range events {
		if err := b.Publish(ev); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, eventloop.ErrEventQueueFull) || errors.Is(err, eventloop.ErrClosedLoop) {
				code = http.StatusServiceUnavailable
			}
			b.logger.WithError(err).WithFields(map[string]interface{}{
				"event": ev.Type,
				"index": i,
			}).Warn("Rejected agent event")
			writeJSON(w, code, PublishResponse{Accepted: i, Error: err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, PublishResponse{Accepted: len(events)})
}

// MessagesHandler hands the agent the messages queued for one switch
func (b *Bridge) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	dpid, err := domain.ParseDPID(mux.Vars(r)["dpid"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	limit, wait, err := batchParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msgs, err := b.CollectMessages(r.Context(), dpid, limit, wait)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{DPID: dpid.String(), Messages: msgs})
}

// PathRequestsHandler hands the topology service the pending path requests
func (b *Bridge) PathRequestsHandler(w http.ResponseWriter, r *http.Request) {
	limit, wait, err := batchParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PathRequestsResponse{Requests: b.CollectPathRequests(r.Context(), limit, wait)})
}

func batchParams(r *http.Request) (int, time.Duration, error) {
	limit := defaultBatchSize
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("max must be a positive integer")
		}
		limit = n
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return 0, 0, errors.New("wait must be a non-negative duration")
		}
		wait = d
	}
	return limit, wait, nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
