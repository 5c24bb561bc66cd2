package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/tasks"
)

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errInvalidID     validationError = "Invalid id"
	errInvalidBody   validationError = "Invalid request body"
	errInvalidQuery  validationError = "Invalid query parameter"
	errEmptyMessage  validationError = "Message is required"
	errEmptyFailure  validationError = "Error is required"
	errInvalidStatus validationError = "Invalid status"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// errorResponse maps domain errors onto status codes: missing or foreign rows are 404,
// rejected state changes 409, bad input 400 and anything else 500
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
		msg    = "Internal server error"
		verr   validationError
	)
	details := err.Error()
	switch {
	case errors.Is(err, db.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Not found"
	case db.IsInvalidTransition(err):
		status, code, msg = http.StatusConflict, "invalid_transition", "Invalid status transition"
	case errors.Is(err, db.ErrExecutionActive):
		status, code, msg = http.StatusConflict, "execution_active", "An execution is already pending or running"
	case errors.As(err, &verr):
		status, code, msg = http.StatusBadRequest, "invalid_request", string(verr)
	case errors.Is(err, tasks.ErrMissingContext),
		errors.Is(err, executions.ErrInvalidResult),
		errors.Is(err, logs.ErrInvalidLevel):
		status, code, msg = http.StatusBadRequest, "invalid_request", "Invalid request"
	default:
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		// driver errors stay in the server log
		details = ""
	}
	s.jsonResponse(w, status, ErrorResponse{Error: msg, Code: code, Details: details})
}
