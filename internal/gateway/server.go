// Package gateway exposes the local status and control HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orcbot-ai/orcbot/internal/events"
	"github.com/orcbot-ai/orcbot/internal/orchestrator"
	"github.com/orcbot-ai/orcbot/internal/queue"
	"github.com/orcbot-ai/orcbot/internal/scheduler"
)

// Config wires the server to the running core. Nil funcs render empty lists,
// which keeps the same routes working in stripped-down setups.
type Config struct {
	Host   string
	Port   int
	Bus    *events.Bus
	Queue  *queue.Queue
	Logger *slog.Logger

	Agents         func() []orchestrator.AgentInstance
	Tasks          func() []orchestrator.DelegatedTask
	Schedules      func() []scheduler.Entry
	PushTask       func(description string, priority int) (string, error)
	Cancel         func(actionID string) bool
	ClearQueue     func() int
	AddSchedule    func(schedule, task string, priority int) (string, error)
	RemoveSchedule func(id string) error
}

// Server is the OrcBot gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *hub
	cfg        Config
	logger     *slog.Logger
}

// NewServer builds the router and the websocket hub.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		hub:    newHub(cfg.Bus, cfg.Logger),
		cfg:    cfg,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/queue", s.handleQueue)
	r.Get("/api/agents", s.handleAgents)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/schedules", s.handleSchedules)
	r.Post("/api/tasks", s.handlePushTask)
	r.Post("/api/actions/{id}/cancel", s.handleCancel)
	r.Post("/api/queue/clear", s.handleClearQueue)
	r.Post("/api/schedules", s.handleAddSchedule)
	r.Delete("/api/schedules/{id}", s.handleRemoveSchedule)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("gateway: listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}

	type eventJSON struct {
		ID        string             `json:"id"`
		ActionID  string             `json:"action_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	history := s.cfg.Bus.History(limit)
	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			ActionID:  e.ActionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, result)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Queue.Snapshot())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agents == nil {
		writeJSON(w, []orchestrator.AgentInstance{})
		return
	}
	writeJSON(w, s.cfg.Agents())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeJSON(w, []orchestrator.DelegatedTask{})
		return
	}
	writeJSON(w, s.cfg.Tasks())
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedules == nil {
		writeJSON(w, []scheduler.Entry{})
		return
	}
	writeJSON(w, s.cfg.Schedules())
}

func (s *Server) handlePushTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PushTask == nil {
		http.Error(w, "task intake not available", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Description string `json:"description"`
		Priority    int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	id, err := s.cfg.PushTask(req.Description, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"action_id": id})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ClearQueue == nil {
		http.Error(w, "clear not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]int{"cancelled": s.cfg.ClearQueue()})
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AddSchedule == nil {
		http.Error(w, "schedules not available", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Schedule string `json:"schedule"`
		Task     string `json:"task"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Schedule == "" || req.Task == "" {
		http.Error(w, "schedule and task are required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	id, err := s.cfg.AddSchedule(req.Schedule, req.Task, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"schedule_id": id})
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RemoveSchedule == nil {
		http.Error(w, "schedules not available", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.cfg.RemoveSchedule(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "removed", "schedule_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cancel == nil {
		http.Error(w, "cancel not available", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if !s.cfg.Cancel(id) {
		http.Error(w, "unknown or terminal action: "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "cancel requested", "action_id": id})
}
