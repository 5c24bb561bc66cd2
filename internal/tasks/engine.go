package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/sirupsen/logrus"
)

// ErrMissingContext is returned when a transition lacks a field it requires
var ErrMissingContext = errors.New("missing transition context")

// SystemActor is recorded for transitions driven by execution outcomes
const SystemActor = "system"

var allowedTransitions = map[db.TaskStatus]map[db.TaskStatus]struct{}{
	db.TaskSuggested: {
		db.TaskApproved: {},
		db.TaskRejected: {},
	},
	db.TaskApproved: {
		db.TaskInProgress: {},
		db.TaskRejected:   {},
	},
	db.TaskInProgress: {
		db.TaskWaiting:   {},
		db.TaskCompleted: {},
		db.TaskRejected:  {},
	},
	db.TaskWaiting: {
		db.TaskInProgress: {},
		db.TaskRejected:   {},
	},
}

// CanTransition reports whether from -> to is in the workflow table
func CanTransition(from, to db.TaskStatus) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Context carries the data a transition needs. Which fields are required depends on the
// (from, to) pair.
type Context struct {
	Actor         string `json:"actor"`
	Reasoning     string `json:"reasoning,omitempty"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	ExecutionID   int64  `json:"execution_id,omitempty"`
	Summary       string `json:"summary,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Note          string `json:"note,omitempty"`
}

// Proposal is new work an agent suggests
type Proposal struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ProposedBy  string  `json:"proposed_by"`
	Reasoning   string  `json:"reasoning"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
}

// Engine is the task workflow state machine
type Engine struct {
	db     *db.DB
	now    func() time.Time
	logger log.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the shared logger
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a workflow engine
func New(database *db.DB, opts ...Option) *Engine {
	e := &Engine{db: database, now: time.Now, logger: log.GetLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Propose records a suggested task
func (e *Engine) Propose(ctx context.Context, ownerID string, p Proposal) (*db.Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title", ErrMissingContext)
	}
	task := &db.Task{
		OwnerID:             ownerID,
		Title:               p.Title,
		Description:         p.Description,
		ProposedBy:          p.ProposedBy,
		AssignedTo:          p.AssignedTo,
		SuggestionReasoning: p.Reasoning,
	}
	if err := e.db.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"task": task.ID, "proposed_by": p.ProposedBy}).Info("Task proposed")
	return task, nil
}

// Get returns one task
func (e *Engine) Get(ctx context.Context, ownerID string, id int64) (*db.Task, error) {
	return e.db.GetTask(ctx, ownerID, id)
}

// List returns tasks filtered by status and assignee
func (e *Engine) List(ctx context.Context, ownerID string, filter db.TaskFilter) ([]*db.Task, error) {
	return e.db.ListTasks(ctx, ownerID, filter)
}

// Count returns how many tasks match filter across all pages
func (e *Engine) Count(ctx context.Context, ownerID string, filter db.TaskFilter) (int, error) {
	return e.db.CountTasks(ctx, ownerID, filter)
}

// Events returns the audit trail of a task
func (e *Engine) Events(ctx context.Context, ownerID string, id int64) ([]*db.TaskEvent, error) {
	if _, err := e.db.GetTask(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return e.db.ListTaskEvents(ctx, ownerID, id)
}

// Transition is the only way a task changes status. Pairs outside the workflow table fail with
// an InvalidTransitionError and leave the task untouched.
func (e *Engine) Transition(ctx context.Context, ownerID string, id int64, to db.TaskStatus, tc Context) (*db.Task, error) {
	task, err := e.db.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(task.Status, to) {
		return nil, invalid(id, task.Status, to)
	}

	patch, err := e.buildPatch(ctx, ownerID, task.Status, to, tc)
	if err != nil {
		return nil, err
	}
	ok, err := e.db.TransitionTask(ctx, ownerID, id, task.Status, patch, tc.Note)
	if err != nil {
		return nil, fmt.Errorf("transition task %d: %w", id, err)
	}
	if !ok {
		latest, err := e.db.GetTask(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		return nil, invalid(id, latest.Status, to)
	}

	e.logger.WithFields(logrus.Fields{
		"task": id,
		"from": task.Status,
		"to":   to,
		"by":   patch.ChangedBy,
	}).Info("Task transitioned")
	return e.db.GetTask(ctx, ownerID, id)
}

func (e *Engine) buildPatch(ctx context.Context, ownerID string, from, to db.TaskStatus, tc Context) (db.TaskPatch, error) {
	now := e.now()
	actor := tc.Actor
	if actor == "" {
		actor = SystemActor
	}
	patch := db.TaskPatch{Status: to, ChangedAt: now, ChangedBy: actor}

	switch {
	case to == db.TaskApproved:
		if tc.Actor == "" {
			return patch, missing("approver")
		}
		if tc.Reasoning == "" {
			return patch, missing("approval reasoning")
		}
		if tc.AssignedTo == "" {
			return patch, missing("assignee")
		}
		patch.ApprovedBy = &tc.Actor
		patch.ApprovalReasoning = &tc.Reasoning
		patch.AssignedTo = &tc.AssignedTo
		patch.ApprovedAt = &now

	case to == db.TaskRejected:
		if tc.Reasoning == "" {
			return patch, missing("rejection reasoning")
		}
		patch.RejectionReasoning = &tc.Reasoning
		patch.RejectedAt = &now

	case from == db.TaskApproved && to == db.TaskInProgress:
		if tc.ExecutionID == 0 {
			return patch, missing("execution id")
		}
		if _, err := e.db.GetExecution(ctx, ownerID, tc.ExecutionID); err != nil {
			return patch, fmt.Errorf("linked execution %d: %w", tc.ExecutionID, err)
		}
		patch.ExecutionID = &tc.ExecutionID
		patch.StartedAt = &now

	case to == db.TaskWaiting:
		if tc.BlockedReason == "" {
			return patch, missing("blocked reason")
		}
		patch.BlockedReason = &tc.BlockedReason
		patch.BlockedAt = &now

	case from == db.TaskWaiting && to == db.TaskInProgress:
		patch.ClearBlock = true

	case to == db.TaskCompleted:
		if tc.Summary == "" {
			return patch, missing("completion summary")
		}
		patch.CompletionSummary = &tc.Summary
		patch.CompletedAt = &now
	}
	return patch, nil
}

// ExecutionFinished advances in-progress tasks linked to a terminal execution: success completes
// them, failure moves them to waiting so someone resolves them explicitly.
func (e *Engine) ExecutionFinished(ctx context.Context, f executions.Finished) {
	exec := f.Execution
	linked, err := e.db.TasksByExecution(ctx, exec.OwnerID, exec.ID)
	if err != nil {
		e.logger.WithError(err).WithField("execution", exec.ID).Error("Failed to load linked tasks")
		return
	}
	for _, task := range linked {
		if task.Status != db.TaskInProgress {
			continue
		}
		tc := Context{Actor: SystemActor, Note: fmt.Sprintf("execution %d %s", exec.ID, exec.Status)}
		to := db.TaskCompleted
		if exec.Status == db.ExecutionCompleted {
			tc.Summary = f.Summary
			if tc.Summary == "" {
				tc.Summary = fmt.Sprintf("execution %d completed", exec.ID)
			}
		} else {
			to = db.TaskWaiting
			tc.BlockedReason = "execution failed"
			if exec.ErrorMessage != nil && *exec.ErrorMessage != "" {
				tc.BlockedReason = *exec.ErrorMessage
			}
		}
		if _, err := e.Transition(ctx, exec.OwnerID, task.ID, to, tc); err != nil {
			e.logger.WithError(err).WithField("task", task.ID).Warn("Failed to advance task after execution")
		}
	}
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingContext, field)
}

func invalid(id int64, from, to db.TaskStatus) error {
	return &db.InvalidTransitionError{Entity: "task", ID: id, From: string(from), To: string(to)}
}
