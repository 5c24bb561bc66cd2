package executions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/sirupsen/logrus"
)

// allowed lists the execution status changes the store accepts.
// pending -> failed covers runs that never started (runtime refused, stale on restart).
var allowed = map[db.ExecutionStatus]map[db.ExecutionStatus]struct{}{
	db.ExecutionPending: {
		db.ExecutionRunning: {},
		db.ExecutionFailed:  {},
	},
	db.ExecutionRunning: {
		db.ExecutionCompleted: {},
		db.ExecutionFailed:    {},
	},
}

func canTransition(from, to db.ExecutionStatus) bool {
	_, ok := allowed[from][to]
	return ok
}

// ErrInvalidResult is returned when a reported cost or duration is negative
var ErrInvalidResult = errors.New("cost and duration must not be negative")

// Result is what a runtime reports when an execution succeeds
type Result struct {
	CostUSD    float64
	DurationMs int64
	Summary    string
}

// Finished is passed to finish hooks once an execution becomes terminal
type Finished struct {
	Execution *db.Execution
	Summary   string
}

// FinishHook observes terminal executions. Hooks run in registration order after the write commits.
type FinishHook func(ctx context.Context, f Finished)

// Store records the lifecycle of executions on top of the relational store
type Store struct {
	db     *db.DB
	now    func() time.Time
	logger log.Logger
	hooks  []FinishHook
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger overrides the shared logger
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an execution store
func New(database *db.DB, opts ...Option) *Store {
	s := &Store{
		db:     database,
		now:    time.Now,
		logger: log.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFinish registers a hook run after every completion or failure
func (s *Store) OnFinish(hook FinishHook) {
	s.hooks = append(s.hooks, hook)
}

// Create records a pending execution for parent. It returns db.ErrExecutionActive when
// the parent already has one pending or running.
func (s *Store) Create(ctx context.Context, ownerID string, parent db.Parent, trigger db.TriggerType, metadata db.JSON) (*db.Execution, error) {
	e := &db.Execution{
		OwnerID:     ownerID,
		ParentKind:  parent.Kind,
		ParentID:    parent.ID,
		TriggerType: trigger,
		Metadata:    metadata,
	}
	if err := s.db.CreateExecution(ctx, e); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"execution": e.ID,
		"parent":    parent.String(),
		"trigger":   trigger,
	}).Info("Execution created")
	return e, nil
}

// Get returns one execution
func (s *Store) Get(ctx context.Context, ownerID string, id int64) (*db.Execution, error) {
	return s.db.GetExecution(ctx, ownerID, id)
}

// GetRecent returns the latest executions of parent, newest first
func (s *Store) GetRecent(ctx context.Context, ownerID string, parent db.Parent, limit int) ([]*db.Execution, error) {
	return s.List(ctx, ownerID, parent, limit, 0)
}

// List pages through the executions of parent, newest first
func (s *Store) List(ctx context.Context, ownerID string, parent db.Parent, limit, offset int) ([]*db.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListExecutions(ctx, ownerID, parent, limit, offset)
}

// Count returns how many executions parent has, regardless of paging
func (s *Store) Count(ctx context.Context, ownerID string, parent db.Parent) (int, error) {
	return s.db.CountExecutions(ctx, ownerID, parent)
}

// ListActive returns the pending and running executions of an owner
func (s *Store) ListActive(ctx context.Context, ownerID string) ([]*db.Execution, error) {
	return s.db.ActiveOwnerExecutions(ctx, ownerID)
}

// ListOwnerSince returns up to limit executions of an owner created after sinceID, oldest first
func (s *Store) ListOwnerSince(ctx context.Context, ownerID string, sinceID int64, limit int) ([]*db.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.db.OwnerExecutionsSince(ctx, ownerID, sinceID, limit)
}

// LatestID returns the newest execution id of an owner
func (s *Store) LatestID(ctx context.Context, ownerID string) (int64, error) {
	return s.db.LatestExecutionID(ctx, ownerID)
}

// MarkRunning moves a pending execution to running and stamps started_at
func (s *Store) MarkRunning(ctx context.Context, ownerID string, id int64) (*db.Execution, error) {
	now := s.now()
	return s.transition(ctx, ownerID, id, db.ExecutionRunning, func(_ *db.Execution) db.ExecutionPatch {
		return db.ExecutionPatch{StartedAt: &now}
	}, "")
}

// Complete finalizes a running execution as completed with its cost and duration
func (s *Store) Complete(ctx context.Context, ownerID string, id int64, res Result) (*db.Execution, error) {
	if res.CostUSD < 0 || res.DurationMs < 0 {
		return nil, fmt.Errorf("execution %d: %w", id, ErrInvalidResult)
	}
	now := s.now()
	return s.transition(ctx, ownerID, id, db.ExecutionCompleted, func(cur *db.Execution) db.ExecutionPatch {
		duration := res.DurationMs
		if duration == 0 {
			duration = elapsed(cur, now)
		}
		cost := res.CostUSD
		return db.ExecutionPatch{CompletedAt: &now, DurationMs: &duration, CostUSD: &cost}
	}, res.Summary)
}

// Fail finalizes a pending or running execution as failed
func (s *Store) Fail(ctx context.Context, ownerID string, id int64, message string) (*db.Execution, error) {
	now := s.now()
	return s.transition(ctx, ownerID, id, db.ExecutionFailed, func(cur *db.Execution) db.ExecutionPatch {
		duration := elapsed(cur, now)
		return db.ExecutionPatch{CompletedAt: &now, DurationMs: &duration, ErrorMessage: &message}
	}, message)
}

// transition applies one status change. The write is conditional on the status read here,
// so of two racing finishers exactly one wins and the other gets an InvalidTransitionError.
func (s *Store) transition(ctx context.Context, ownerID string, id int64, to db.ExecutionStatus,
	build func(cur *db.Execution) db.ExecutionPatch, summary string) (*db.Execution, error) {
	cur, err := s.db.GetExecution(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(cur.Status, to) {
		return nil, invalid(id, cur.Status, to)
	}

	patch := build(cur)
	patch.Status = &to
	ok, err := s.db.UpdateExecution(ctx, ownerID, id, cur.Status, patch)
	if err != nil {
		return nil, fmt.Errorf("update execution %d: %w", id, err)
	}
	if !ok {
		latest, err := s.db.GetExecution(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		return nil, invalid(id, latest.Status, to)
	}

	updated, err := s.db.GetExecution(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	entry := s.logger.WithField("execution", id)
	switch to {
	case db.ExecutionFailed:
		entry.WithField("error", summary).Warn("Execution failed")
	default:
		entry.Infof("Execution %s", to)
	}
	if to.Terminal() {
		s.finish(ctx, Finished{Execution: updated, Summary: summary})
	}
	return updated, nil
}

func (s *Store) finish(ctx context.Context, f Finished) {
	for _, hook := range s.hooks {
		hook(ctx, f)
	}
}

func invalid(id int64, from, to db.ExecutionStatus) error {
	return &db.InvalidTransitionError{Entity: "execution", ID: id, From: string(from), To: string(to)}
}

func elapsed(e *db.Execution, now time.Time) int64 {
	if e.StartedAt == nil {
		return 0
	}
	d := now.Sub(*e.StartedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// IsActive reports whether err is the single-active-execution guard firing
func IsActive(err error) bool {
	return errors.Is(err, db.ErrExecutionActive)
}

// FailStale fails every pending or running execution of every owner. It is meant for process
// start, when nothing can still be driving them, and runs finish hooks for each one.
func (s *Store) FailStale(ctx context.Context, reason string) (int, error) {
	stale, err := s.db.FailStaleExecutions(ctx, reason)
	if err != nil {
		return 0, err
	}
	for _, e := range stale {
		updated, err := s.db.GetExecution(ctx, e.OwnerID, e.ID)
		if err != nil {
			s.logger.WithError(err).WithField("execution", e.ID).Error("Failed to reload stale execution")
			continue
		}
		s.logger.WithField("execution", e.ID).Warn("Marked stale execution as failed")
		s.finish(ctx, Finished{Execution: updated, Summary: reason})
	}
	return len(stale), nil
}
