package api

import "github.com/kylemclaren/claude-routines/internal/db"

// RoutinesResponse represents a list of routines
type RoutinesResponse struct {
	Routines []*db.Routine `json:"routines"`
	Total    int           `json:"total"`
}

// ExecutionsResponse represents a page of executions. Total counts every execution of the parent.
type ExecutionsResponse struct {
	Executions []*db.Execution `json:"executions"`
	Total      int             `json:"total"`
}

// LogsResponse represents log lines of one execution in id order. Total counts every line of the execution.
type LogsResponse struct {
	Logs  []*db.LogLine `json:"logs"`
	Total int           `json:"total"`
}

// LogRequest is a runtime appending a progress line
type LogRequest struct {
	Level    db.LogLevel `json:"level"`
	Stage    string      `json:"stage"`
	Message  string      `json:"message"`
	Metadata db.JSON     `json:"metadata,omitempty"`
}

// CompleteRequest is a runtime reporting success
type CompleteRequest struct {
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
	Summary    string  `json:"summary,omitempty"`
}

// FailRequest is a runtime reporting failure
type FailRequest struct {
	Error string `json:"error"`
}

// TasksResponse represents a page of tasks. Total counts every task matching the filter.
type TasksResponse struct {
	Tasks []*db.Task `json:"tasks"`
	Total int        `json:"total"`
}

// TransitionRequest moves a task to Status. The remaining fields are the transition context.
type TransitionRequest struct {
	Status        string `json:"status"`
	Actor         string `json:"actor"`
	Reasoning     string `json:"reasoning,omitempty"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	ExecutionID   int64  `json:"execution_id,omitempty"`
	Summary       string `json:"summary,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Note          string `json:"note,omitempty"`
}

// TaskEventsResponse represents the audit trail of a task
type TaskEventsResponse struct {
	Events []*db.TaskEvent `json:"events"`
	Total  int             `json:"total"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Database string `json:"database,omitempty"`
}
