package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version, Database: "ok"}
	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.Status, resp.Database = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, status, resp)
}

// ListRoutines handles GET /api/v1/routines
func (s *Server) ListRoutines(w http.ResponseWriter, r *http.Request) {
	routines, err := s.db.ListRoutines(r.Context(), ownerFrom(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, RoutinesResponse{Routines: routines, Total: len(routines)})
}

// RunRoutine handles POST /api/v1/routines/{id}/run
func (s *Server) RunRoutine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	e, err := s.scheduler.RunRoutine(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, e)
}

// ListRoutineExecutions handles GET /api/v1/routines/{id}/executions
func (s *Server) ListRoutineExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if _, err := s.db.GetRoutine(r.Context(), ownerFrom(r), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.listExecutions(w, r, db.Parent{Kind: db.ParentRoutine, ID: id})
}

// RunAgent handles POST /api/v1/agents/{id}/run
func (s *Server) RunAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	e, err := s.scheduler.RunModule(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, e)
}

// ListAgentExecutions handles GET /api/v1/agents/{id}/executions
func (s *Server) ListAgentExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if _, err := s.db.GetAgent(r.Context(), ownerFrom(r), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.listExecutions(w, r, db.Parent{Kind: db.ParentModule, ID: id})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, parent db.Parent) {
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
	list, err := s.executions.List(r.Context(), ownerFrom(r), parent, int(limit), int(offset))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	total, err := s.executions.Count(r.Context(), ownerFrom(r), parent)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ExecutionsResponse{Executions: list, Total: total})
}

// GetExecution handles GET /api/v1/executions/{id}
func (s *Server) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	e, err := s.executions.Get(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, e)
}

// GetExecutionLogs handles GET /api/v1/executions/{id}/logs. With since the lines after that id
// are returned, otherwise the first limit lines.
func (s *Server) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	owner := ownerFrom(r)
	if _, err := s.executions.Get(r.Context(), owner, id); err != nil {
		s.errorResponse(w, r, err)
		return
	}

	var lines []*db.LogLine
	if r.URL.Query().Has("since") {
		since, qerr := queryInt(r, "since")
		if qerr != nil {
			s.errorResponse(w, r, qerr)
			return
		}
		lines, err = s.logs.ListSinceLimit(r.Context(), owner, id, since, int(limit))
	} else {
		lines, err = s.logs.ListAll(r.Context(), owner, id, int(limit))
	}
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	total, err := s.logs.Count(r.Context(), owner, id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, LogsResponse{Logs: lines, Total: total})
}

// MarkRunning handles POST /api/v1/executions/{id}/running
func (s *Server) MarkRunning(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	e, err := s.executions.MarkRunning(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, e)
}

// AppendLog handles POST /api/v1/executions/{id}/logs
func (s *Server) AppendLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req LogRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if req.Message == "" {
		s.errorResponse(w, r, errEmptyMessage)
		return
	}
	line, err := s.logs.Append(r.Context(), ownerFrom(r), id, logs.Entry{
		Level:    req.Level,
		Stage:    req.Stage,
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, line)
}

// CompleteExecution handles POST /api/v1/executions/{id}/complete
func (s *Server) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req CompleteRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	e, err := s.executions.Complete(r.Context(), ownerFrom(r), id, executions.Result{
		CostUSD:    req.CostUSD,
		DurationMs: req.DurationMs,
		Summary:    req.Summary,
	})
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, e)
}

// FailExecution handles POST /api/v1/executions/{id}/fail
func (s *Server) FailExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req FailRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if req.Error == "" {
		s.errorResponse(w, r, errEmptyFailure)
		return
	}
	e, err := s.executions.Fail(r.Context(), ownerFrom(r), id, req.Error)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, e)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// queryInt reads a non-negative integer parameter, 0 when absent
func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s", errInvalidQuery, name)
	}
	return v, nil
}

func decode(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
