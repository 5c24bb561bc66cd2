package api

import (
	"net/http"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/tasks"
)

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := db.TaskFilter{AssignedTo: r.URL.Query().Get("assigned_to")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := db.ParseTaskStatus(raw)
		if err != nil {
			s.errorResponse(w, r, errInvalidStatus)
			return
		}
		filter.Status = status
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	filter.Limit, filter.Offset = int(limit), int(offset)

	list, err := s.tasks.List(r.Context(), ownerFrom(r), filter)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	total, err := s.tasks.Count(r.Context(), ownerFrom(r), filter)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, TasksResponse{Tasks: list, Total: total})
}

// ProposeTask handles POST /api/v1/tasks
func (s *Server) ProposeTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.Proposal
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	task, err := s.tasks.Propose(r.Context(), ownerFrom(r), req)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	task, err := s.tasks.Get(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// TransitionTask handles POST /api/v1/tasks/{id}/transition
func (s *Server) TransitionTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	to, err := db.ParseTaskStatus(req.Status)
	if err != nil {
		s.errorResponse(w, r, errInvalidStatus)
		return
	}
	task, err := s.tasks.Transition(r.Context(), ownerFrom(r), id, to, tasks.Context{
		Actor:         req.Actor,
		Reasoning:     req.Reasoning,
		AssignedTo:    req.AssignedTo,
		ExecutionID:   req.ExecutionID,
		Summary:       req.Summary,
		BlockedReason: req.BlockedReason,
		Note:          req.Note,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// GetTaskEvents handles GET /api/v1/tasks/{id}/events
func (s *Server) GetTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	events, err := s.tasks.Events(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, TaskEventsResponse{Events: events, Total: len(events)})
}
