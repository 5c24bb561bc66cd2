package db

import (
	"context"
	"fmt"
	"time"
)

const executionColumns = `id, owner_id, parent_kind, parent_id, status, trigger_type, started_at, completed_at,
	duration_ms, cost_usd, error_message, metadata, created_at`

// CreateExecution inserts a pending execution for parent. It fails with ErrExecutionActive when
// the parent already has a pending or running execution.
func (db *DB) CreateExecution(ctx context.Context, e *Execution) error {
	now := time.Now().UTC()
	e.Status = ExecutionPending
	id, err := insertReturningID(ctx, db.conn, `
		INSERT INTO executions (owner_id, parent_kind, parent_id, status, trigger_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OwnerID, e.ParentKind, e.ParentID, e.Status, e.TriggerType, e.Metadata, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", e.Parent(), ErrExecutionActive)
		}
		return err
	}
	e.ID = id
	e.CreatedAt = now
	return nil
}

// GetExecution retrieves an execution owned by ownerID
func (db *DB) GetExecution(ctx context.Context, ownerID string, id int64) (*Execution, error) {
	e := &Execution{}
	err := get(ctx, db.conn, e, `SELECT `+executionColumns+` FROM executions WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions retrieves executions of a parent, newest first
func (db *DB) ListExecutions(ctx context.Context, ownerID string, parent Parent, limit, offset int) ([]*Execution, error) {
	execs := []*Execution{}
	err := selectRows(ctx, db.conn, &execs, `
		SELECT `+executionColumns+` FROM executions
		WHERE owner_id = ? AND parent_kind = ? AND parent_id = ?
		ORDER BY id DESC LIMIT ? OFFSET ?`,
		ownerID, parent.Kind, parent.ID, limit, offset)
	return execs, err
}

// ActiveExecution returns the pending or running execution of parent, if any
func (db *DB) ActiveExecution(ctx context.Context, ownerID string, parent Parent) (*Execution, error) {
	e := &Execution{}
	err := get(ctx, db.conn, e, `
		SELECT `+executionColumns+` FROM executions
		WHERE owner_id = ? AND parent_kind = ? AND parent_id = ? AND status IN (?, ?)`,
		ownerID, parent.Kind, parent.ID, ExecutionPending, ExecutionRunning)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateExecution applies patch only if the execution is still in status from.
// It returns false when the row was not in that status (or does not exist).
func (db *DB) UpdateExecution(ctx context.Context, ownerID string, id int64, from ExecutionStatus, patch ExecutionPatch) (bool, error) {
	n, err := exec(ctx, db.conn, `
		UPDATE executions SET
			status = COALESCE(?, status),
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			duration_ms = COALESCE(?, duration_ms),
			cost_usd = COALESCE(?, cost_usd),
			error_message = COALESCE(?, error_message)
		WHERE id = ? AND owner_id = ? AND status = ?`,
		patch.Status, utcPtr(patch.StartedAt), utcPtr(patch.CompletedAt), patch.DurationMs, patch.CostUSD,
		patch.ErrorMessage, id, ownerID, from)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailStaleExecutions marks every pending or running execution as failed.
// Called on scheduler start to release executions interrupted by a restart.
func (db *DB) FailStaleExecutions(ctx context.Context, reason string) ([]*Execution, error) {
	var stale []*Execution
	err := db.InTx(ctx, func(tx *Tx) error {
		if err := selectRows(ctx, tx, &stale, `SELECT `+executionColumns+` FROM executions WHERE status IN (?, ?)`,
			ExecutionPending, ExecutionRunning); err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err := exec(ctx, tx, `
			UPDATE executions SET status = ?, error_message = ?, completed_at = ?
			WHERE status IN (?, ?)`,
			ExecutionFailed, reason, now, ExecutionPending, ExecutionRunning)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// CountExecutions returns the number of executions of a parent
func (db *DB) CountExecutions(ctx context.Context, ownerID string, parent Parent) (int, error) {
	var n int
	err := get(ctx, db.conn, &n, `
		SELECT COUNT(*) FROM executions WHERE owner_id = ? AND parent_kind = ? AND parent_id = ?`,
		ownerID, parent.Kind, parent.ID)
	return n, err
}

// ActiveOwnerExecutions returns every pending or running execution of an owner in id order
func (db *DB) ActiveOwnerExecutions(ctx context.Context, ownerID string) ([]*Execution, error) {
	execs := []*Execution{}
	err := selectRows(ctx, db.conn, &execs, `
		SELECT `+executionColumns+` FROM executions
		WHERE owner_id = ? AND status IN (?, ?)
		ORDER BY id`,
		ownerID, ExecutionPending, ExecutionRunning)
	return execs, err
}

// OwnerExecutionsSince returns executions of an owner with id greater than sinceID, in id order
func (db *DB) OwnerExecutionsSince(ctx context.Context, ownerID string, sinceID int64, limit int) ([]*Execution, error) {
	execs := []*Execution{}
	err := selectRows(ctx, db.conn, &execs, `
		SELECT `+executionColumns+` FROM executions
		WHERE owner_id = ? AND id > ?
		ORDER BY id LIMIT ?`,
		ownerID, sinceID, limit)
	return execs, err
}

// LatestExecutionID returns the highest execution id of an owner, zero when there are none
func (db *DB) LatestExecutionID(ctx context.Context, ownerID string) (int64, error) {
	var id int64
	err := get(ctx, db.conn, &id, `SELECT COALESCE(MAX(id), 0) FROM executions WHERE owner_id = ?`, ownerID)
	return id, err
}
