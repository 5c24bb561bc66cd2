package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/scheduler"
	"github.com/kylemclaren/claude-routines/internal/stream"
	"github.com/kylemclaren/claude-routines/internal/tasks"
)

// Deps are the components the API serves
type Deps struct {
	DB         *db.DB
	Executions *executions.Store
	Logs       *logs.Store
	Tasks      *tasks.Engine
	Scheduler  *scheduler.Scheduler
	Streams    *stream.Manager
	Logger     log.Logger
}

// Server represents the API server
type Server struct {
	db         *db.DB
	executions *executions.Store
	logs       *logs.Store
	tasks      *tasks.Engine
	scheduler  *scheduler.Scheduler
	streams    *stream.Manager
	logger     log.Logger
	router     chi.Router
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.GetLogger()
	}
	s := &Server{
		db:         deps.DB,
		executions: deps.Executions,
		logs:       deps.Logs,
		tasks:      deps.Tasks,
		scheduler:  deps.Scheduler,
		streams:    deps.Streams,
		logger:     deps.Logger,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(RequireOwner)

		// Routines and agents
		r.Get("/api/v1/routines", s.ListRoutines)
		r.Post("/api/v1/routines/{id}/run", s.RunRoutine)
		r.Get("/api/v1/routines/{id}/executions", s.ListRoutineExecutions)
		r.Post("/api/v1/agents/{id}/run", s.RunAgent)
		r.Get("/api/v1/agents/{id}/executions", s.ListAgentExecutions)

		// Executions
		r.Get("/api/v1/executions/{id}", s.GetExecution)
		r.Get("/api/v1/executions/{id}/logs", s.GetExecutionLogs)
		r.Get("/api/v1/executions/{id}/stream", s.StreamExecution)
		r.Get("/api/v1/stream", s.StreamOwner)

		// Runtime callbacks
		r.Post("/api/v1/executions/{id}/running", s.MarkRunning)
		r.Post("/api/v1/executions/{id}/logs", s.AppendLog)
		r.Post("/api/v1/executions/{id}/complete", s.CompleteExecution)
		r.Post("/api/v1/executions/{id}/fail", s.FailExecution)

		// Tasks
		r.Get("/api/v1/tasks", s.ListTasks)
		r.Post("/api/v1/tasks", s.ProposeTask)
		r.Get("/api/v1/tasks/{id}", s.GetTask)
		r.Post("/api/v1/tasks/{id}/transition", s.TransitionTask)
		r.Get("/api/v1/tasks/{id}/events", s.GetTaskEvents)
	})
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}
