package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AgentStatus is the enabled state of an agent
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusDisabled AgentStatus = "disabled"
)

// Agent is a module that performs work for its owner
type Agent struct {
	ID        int64       `db:"id" json:"id"`
	OwnerID   string      `db:"owner_id" json:"owner_id"`
	Name      string      `db:"name" json:"name"`
	Status    AgentStatus `db:"status" json:"status"`
	Config    JSON        `db:"config" json:"config,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// Frequency is how often a routine should run
type Frequency string

const (
	FrequencyManual Frequency = "manual"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyAuto   Frequency = "auto"
)

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyManual, FrequencyDaily, FrequencyWeekly, FrequencyAuto:
		return true
	}
	return false
}

// RoutineStatus is the enabled state of a routine
type RoutineStatus string

const (
	RoutineStatusActive   RoutineStatus = "active"
	RoutineStatusDisabled RoutineStatus = "disabled"
)

// Routine is a recurring unit of work attached to an agent
type Routine struct {
	ID        int64         `db:"id" json:"id"`
	OwnerID   string        `db:"owner_id" json:"owner_id"`
	AgentID   int64         `db:"agent_id" json:"agent_id"`
	Name      string        `db:"name" json:"name"`
	Frequency Frequency     `db:"frequency" json:"frequency"`
	Status    RoutineStatus `db:"status" json:"status"`
	Config    JSON          `db:"config" json:"config,omitempty"`
	LastRunAt *time.Time    `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt *time.Time    `db:"next_run_at" json:"next_run_at,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// RoutinePatch holds the routine fields a caller wants to change. Nil fields are left untouched.
type RoutinePatch struct {
	Status    *RoutineStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// ParentKind says what an execution is a run of
type ParentKind string

const (
	ParentModule  ParentKind = "module"
	ParentRoutine ParentKind = "routine"
)

// Parent references the module or routine an execution belongs to
type Parent struct {
	Kind ParentKind `json:"kind"`
	ID   int64      `json:"id"`
}

func (p Parent) String() string {
	return fmt.Sprintf("%s/%d", p.Kind, p.ID)
}

// TriggerType records why an execution was created
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// ExecutionStatus represents the status of an execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one concrete run of a module or routine
type Execution struct {
	ID           int64           `db:"id" json:"id"`
	OwnerID      string          `db:"owner_id" json:"owner_id"`
	ParentKind   ParentKind      `db:"parent_kind" json:"parent_kind"`
	ParentID     int64           `db:"parent_id" json:"parent_id"`
	Status       ExecutionStatus `db:"status" json:"status"`
	TriggerType  TriggerType     `db:"trigger_type" json:"trigger_type"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs   *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	CostUSD      *float64        `db:"cost_usd" json:"cost_usd,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	Metadata     JSON            `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Parent returns the execution's parent reference
func (e *Execution) Parent() Parent {
	return Parent{Kind: e.ParentKind, ID: e.ParentID}
}

// ExecutionPatch holds the execution fields a status change writes. Nil fields are left untouched.
type ExecutionPatch struct {
	Status       *ExecutionStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   *int64
	CostUSD      *float64
	ErrorMessage *string
}

// LogLevel is the severity of a log line
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogLine is one ordered progress message of an execution
type LogLine struct {
	ID          int64     `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	ExecutionID int64     `db:"execution_id" json:"execution_id"`
	Level       LogLevel  `db:"level" json:"level"`
	Stage       string    `db:"stage" json:"stage,omitempty"`
	Message     string    `db:"message" json:"message"`
	Metadata    JSON      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// TaskStatus represents the workflow state of a task
type TaskStatus string

const (
	TaskSuggested  TaskStatus = "suggested"
	TaskApproved   TaskStatus = "approved"
	TaskRejected   TaskStatus = "rejected"
	TaskInProgress TaskStatus = "in_progress"
	TaskWaiting    TaskStatus = "waiting"
	TaskCompleted  TaskStatus = "completed"
)

// ParseTaskStatus accepts the workflow vocabulary, including "blocked" for waiting
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskSuggested, TaskApproved, TaskRejected, TaskInProgress, TaskWaiting, TaskCompleted:
		return TaskStatus(s), nil
	}
	if s == "blocked" {
		return TaskWaiting, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further transition is allowed from s
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskRejected
}

// Task is a proposed unit of work moving through approval and execution
type Task struct {
	ID                  int64      `db:"id" json:"id"`
	OwnerID             string     `db:"owner_id" json:"owner_id"`
	Title               string     `db:"title" json:"title"`
	Description         string     `db:"description" json:"description,omitempty"`
	Status              TaskStatus `db:"status" json:"status"`
	ProposedBy          string     `db:"proposed_by" json:"proposed_by,omitempty"`
	AssignedTo          *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	ApprovedBy          *string    `db:"approved_by" json:"approved_by,omitempty"`
	ExecutionID         *int64     `db:"execution_id" json:"execution_id,omitempty"`
	SuggestionReasoning string     `db:"suggestion_reasoning" json:"suggestion_reasoning,omitempty"`
	ApprovalReasoning   *string    `db:"approval_reasoning" json:"approval_reasoning,omitempty"`
	RejectionReasoning  *string    `db:"rejection_reasoning" json:"rejection_reasoning,omitempty"`
	CompletionSummary   *string    `db:"completion_summary" json:"completion_summary,omitempty"`
	BlockedReason       *string    `db:"blocked_reason" json:"blocked_reason,omitempty"`
	ApprovedAt          *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	StartedAt           *time.Time `db:"started_at" json:"started_at,omitempty"`
	BlockedAt           *time.Time `db:"blocked_at" json:"blocked_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RejectedAt          *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	LastStatusChangeAt  time.Time  `db:"last_status_change_at" json:"last_status_change_at"`
	LastStatusChangeBy  string     `db:"last_status_change_by" json:"last_status_change_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// TaskPatch is the set of fields one task transition writes. Nil fields are left untouched;
// ClearBlock resets blocked_reason and blocked_at.
type TaskPatch struct {
	Status             TaskStatus
	ChangedAt          time.Time
	ChangedBy          string
	AssignedTo         *string
	ApprovedBy         *string
	ExecutionID        *int64
	ApprovalReasoning  *string
	RejectionReasoning *string
	CompletionSummary  *string
	BlockedReason      *string
	ApprovedAt         *time.Time
	StartedAt          *time.Time
	BlockedAt          *time.Time
	CompletedAt        *time.Time
	RejectedAt         *time.Time
	ClearBlock         bool
}

// TaskEvent is one audit record of an accepted task transition
type TaskEvent struct {
	ID         int64      `db:"id" json:"id"`
	TaskID     int64      `db:"task_id" json:"task_id"`
	OwnerID    string     `db:"owner_id" json:"owner_id"`
	FromStatus TaskStatus `db:"from_status" json:"from_status"`
	ToStatus   TaskStatus `db:"to_status" json:"to_status"`
	Actor      string     `db:"actor" json:"actor,omitempty"`
	Note       string     `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status     TaskStatus
	AssignedTo string
	Limit      int
	Offset     int
}

// JSON is free-form JSON stored as text
type JSON json.RawMessage

// Value implements driver.Valuer
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case string:
		*j = JSON(v)
	case []byte:
		*j = append((*j)[:0], v...)
	default:
		return fmt.Errorf("db.JSON: cannot scan %T", src)
	}
	return nil
}

// MarshalJSON emits the raw document
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON keeps the raw document
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// String returns the document as text, "{}" when empty
func (j JSON) String() string {
	if len(j) == 0 {
		return "{}"
	}
	return string(j)
}
