// Package api provides HTTP handlers and routing for the automations service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.handlers.TracingMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.handlers.deps.Auth != nil {
		api.Use(s.handlers.deps.Auth.Handler)
	}

	// Workflows
	api.HandleFunc("/workflows", s.handlers.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/validate", s.handlers.ValidateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", s.handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.handlers.UpdateWorkflow).Methods("PUT")
	api.HandleFunc("/workflows/{id}", s.handlers.DeleteWorkflow).Methods("DELETE")
	api.HandleFunc("/workflows/{id}/runs", s.handlers.StartRun).Methods("POST")

	// Runs
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/resume", s.handlers.ResumeRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/archive", s.handlers.ArchiveLink).Methods("GET")

	// Schedules
	api.HandleFunc("/schedules", s.handlers.CreateSchedule).Methods("POST")
	api.HandleFunc("/schedules", s.handlers.ListSchedules).Methods("GET")
	api.HandleFunc("/schedules/{id}", s.handlers.GetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}", s.handlers.DeleteSchedule).Methods("DELETE")
	api.HandleFunc("/schedules/{id}/enable", s.handlers.EnableSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}/disable", s.handlers.DisableSchedule).Methods("POST")

	// Projects
	api.HandleFunc("/projects", s.handlers.CreateProject).Methods("POST")
	api.HandleFunc("/projects/{id}", s.handlers.GetProject).Methods("GET")
	api.HandleFunc("/projects/{id}", s.handlers.UpdateProject).Methods("PATCH")
	api.HandleFunc("/projects/{id}/usage", s.handlers.GetUsage).Methods("GET")

	// Admin
	api.HandleFunc("/admin/reconcile", s.handlers.Reconcile).Methods("POST")

	// Preflight requests are answered by the CORS middleware.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
}
