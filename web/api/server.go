// Package api exposes the daemon's HTTP surface: task delegation and
// inspection, approval resolution, chronos job inspection, webhook
// triggers, the websocket channel, and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/fernwerk/famulus/internal/approval"
	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/chronos"
	"github.com/fernwerk/famulus/internal/delegation"
	"github.com/fernwerk/famulus/internal/metrics"
	"github.com/fernwerk/famulus/internal/taskstore"
	"github.com/fernwerk/famulus/internal/webhook"
)

// Server is the HTTP API server
type Server struct {
	tasks     *taskstore.Store
	approvals *approval.Store
	gate      *approval.Gate
	delegator *delegation.Delegator
	jobs      *chronos.Store
	webhooks  *webhook.Store
	ws        *channel.WSAdapter
	mux       *http.ServeMux
}

// NewServer creates a new API server
func NewServer(tasks *taskstore.Store, approvals *approval.Store, gate *approval.Gate,
	delegator *delegation.Delegator, jobs *chronos.Store, webhooks *webhook.Store,
	ws *channel.WSAdapter) *Server {
	s := &Server{
		tasks:     tasks,
		approvals: approvals,
		gate:      gate,
		delegator: delegator,
		jobs:      jobs,
		webhooks:  webhooks,
		ws:        ws,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tasks", s.tasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/approvals", s.approvalsHandler())
	s.mux.HandleFunc("/api/approvals/gate", s.gateHandler())
	s.mux.HandleFunc("/api/approvals/", s.resolveHandler())
	s.mux.HandleFunc("/api/jobs", s.jobsHandler())
	s.mux.HandleFunc("/api/jobs/", s.jobExecutionsHandler())
	s.mux.HandleFunc("/api/webhooks", s.webhookCreateHandler())
	s.mux.HandleFunc("/api/webhooks/", s.webhookTriggerHandler())

	s.mux.HandleFunc("/ws", s.ws.HandleWebSocket)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns the server's root handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
