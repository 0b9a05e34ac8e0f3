package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
)

// healthResponse is the /health body: "healthy" with 200 while this node
// is the raft leader, "not ready" with 503 otherwise.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.ctl.IsLeader() {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Timestamp: time.Now().UTC()})
}

// statsResponse is the aggregate public counters shown on /api/stats and
// the unauthenticated /public/stats mirror.
type statsResponse struct {
	BuildsByStatus  map[string]int `json:"builds_by_status"`
	WorkersByStatus map[string]int `json:"workers_by_status"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	builds, err := s.ctl.ListBuilds()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	workers, err := s.ctl.ListWorkers()
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	resp := statsResponse{BuildsByStatus: map[string]int{}, WorkersByStatus: map[string]int{}}
	pending := 0
	for _, b := range builds {
		resp.BuildsByStatus[string(b.Status)]++
		if b.Status == types.BuildStatusPending {
			pending++
		}
	}
	for _, w := range workers {
		resp.WorkersByStatus[string(w.Status)]++
	}
	for status, count := range resp.BuildsByStatus {
		metrics.BuildsTotal.WithLabelValues(status).Set(float64(count))
	}
	for status, count := range resp.WorkersByStatus {
		metrics.WorkersTotal.WithLabelValues(status).Set(float64(count))
	}
	metrics.DispatchQueueDepth.Set(float64(pending))
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams the dashboard lifecycle feed as Server-Sent
// Events. Requires the admin key since the feed includes build and
// worker ids for every tenant, not just the caller's own.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	broker := s.ctl.Events()
	if broker == nil {
		writeError(w, s.log, fmt.Errorf("event stream not configured"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.log, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
}
