package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/codev-labs/pubsub-ws/internal/monitoring"
	"github.com/codev-labs/pubsub-ws/internal/pubsub"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authorized gates the control-plane endpoints. Only the Prometheus
// scrape endpoint is exempt.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.keyring.Authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "invalid or missing API key")
	return false
}

type createTopicRequest struct {
	Name     string `json:"name"`
	RingSize int    `json:"ring_size"`
}

// handleTopics serves the topic collection and its members:
//
//	POST   /topics/        create
//	GET    /topics/        list
//	DELETE /topics/<name>  delete
func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/topics"), "/")
	if name == "" {
		switch r.Method {
		case http.MethodPost:
			s.createTopic(w, r)
		case http.MethodGet:
			s.listTopics(w)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.deleteTopic(w, name)
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.RingSize < 0 {
		writeError(w, http.StatusBadRequest, "ring_size must be >= 0")
		return
	}

	ringSize, err := s.broker.CreateTopic(req.Name, req.RingSize)
	if err != nil {
		switch {
		case errors.Is(err, pubsub.ErrTopicExists):
			writeError(w, http.StatusConflict, "topic '"+req.Name+"' already exists")
		case errors.Is(err, pubsub.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"name":      req.Name,
		"ring_size": ringSize,
	})
}

func (s *Server) listTopics(w http.ResponseWriter) {
	topics := s.broker.ListTopics()
	writeJSON(w, http.StatusOK, map[string]any{
		"topics": topics,
		"count":  len(topics),
	})
}

func (s *Server) deleteTopic(w http.ResponseWriter, name string) {
	if err := s.broker.DeleteTopic(name); err != nil {
		switch {
		case errors.Is(err, pubsub.ErrTopicNotFound):
			writeError(w, http.StatusNotFound, "topic '"+name+"' not found")
		case errors.Is(err, pubsub.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth serves liveness and the shutdown status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	status := "ok"
	if s.broker.ShuttingDown() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int64(s.broker.Uptime().Seconds()),
		"version":        Version,
	})
}

type statsResponse struct {
	pubsub.Stats
	Topics map[string]pubsub.TopicStats `json:"topics"`
	System monitoring.SystemMetrics     `json:"system"`
}

// handleStats serves the operational snapshot: aggregate counters,
// per-topic counts and the latest process resource sample.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:  s.broker.Stats(),
		Topics: s.broker.TopicStatsSnapshot(),
		System: s.sampler.Snapshot(),
	})
}

// handleShutdown triggers the graceful drain. Responds 202 immediately;
// the drain proceeds in the background. A repeat request gets 409.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}

	if err := s.BeginShutdown(s.cfg.ShutdownTimeout); err != nil {
		writeError(w, http.StatusConflict, "shutdown already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "shutting_down",
		"timeout_seconds": int64(s.cfg.ShutdownTimeout.Seconds()),
	})
}
