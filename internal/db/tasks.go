package db

import (
	"context"
	"time"
)

const taskColumns = `id, owner_id, title, description, status, proposed_by, assigned_to, approved_by, execution_id,
	suggestion_reasoning, approval_reasoning, rejection_reasoning, completion_summary, blocked_reason,
	approved_at, started_at, blocked_at, completed_at, rejected_at,
	last_status_change_at, last_status_change_by, created_at, updated_at`

const taskEventColumns = `id, task_id, owner_id, from_status, to_status, actor, note, created_at`

// CreateTask inserts a suggested task and sets its ID
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	task.Status = TaskSuggested
	task.LastStatusChangeAt = now
	if task.LastStatusChangeBy == "" {
		task.LastStatusChangeBy = task.ProposedBy
	}
	id, err := insertReturningID(ctx, db.conn, `
		INSERT INTO tasks (owner_id, title, description, status, proposed_by, assigned_to, suggestion_reasoning,
			last_status_change_at, last_status_change_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.OwnerID, task.Title, task.Description, task.Status, task.ProposedBy, task.AssignedTo,
		task.SuggestionReasoning, now, task.LastStatusChangeBy, now, now)
	if err != nil {
		return err
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// GetTask retrieves a task owned by ownerID
func (db *DB) GetTask(ctx context.Context, ownerID string, id int64) (*Task, error) {
	task := &Task{}
	err := get(ctx, db.conn, task, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks retrieves tasks of an owner matching filter, oldest first
func (db *DB) ListTasks(ctx context.Context, ownerID string, filter TaskFilter) ([]*Task, error) {
	where, args := taskFilterWhere(ownerID, filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	tasks := []*Task{}
	err := selectRows(ctx, db.conn, &tasks, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	return tasks, err
}

// CountTasks returns how many tasks match filter, ignoring its limit and offset
func (db *DB) CountTasks(ctx context.Context, ownerID string, filter TaskFilter) (int, error) {
	where, args := taskFilterWhere(ownerID, filter)
	var n int
	err := get(ctx, db.conn, &n, `SELECT COUNT(*) FROM tasks WHERE `+where, args...)
	return n, err
}

func taskFilterWhere(ownerID string, filter TaskFilter) (string, []any) {
	where := `owner_id = ?`
	args := []any{ownerID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		where += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	return where, args
}

// TasksByExecution returns the tasks linked to an execution
func (db *DB) TasksByExecution(ctx context.Context, ownerID string, executionID int64) ([]*Task, error) {
	var tasks []*Task
	err := selectRows(ctx, db.conn, &tasks, `
		SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND execution_id = ? ORDER BY id`,
		ownerID, executionID)
	return tasks, err
}

// TransitionTask moves a task from status from to patch.Status and records the change in task_events.
// It returns false, leaving the row untouched, when the task is no longer in status from.
func (db *DB) TransitionTask(ctx context.Context, ownerID string, id int64, from TaskStatus, patch TaskPatch, note string) (bool, error) {
	changedAt := utc(patch.ChangedAt)
	var applied bool
	err := db.InTx(ctx, func(tx *Tx) error {
		n, err := exec(ctx, tx, `
			UPDATE tasks SET
				status = ?,
				assigned_to = COALESCE(?, assigned_to),
				approved_by = COALESCE(?, approved_by),
				execution_id = COALESCE(?, execution_id),
				approval_reasoning = COALESCE(?, approval_reasoning),
				rejection_reasoning = COALESCE(?, rejection_reasoning),
				completion_summary = COALESCE(?, completion_summary),
				blocked_reason = CASE WHEN ? THEN NULL ELSE COALESCE(?, blocked_reason) END,
				blocked_at = CASE WHEN ? THEN NULL ELSE COALESCE(?, blocked_at) END,
				approved_at = COALESCE(?, approved_at),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at),
				rejected_at = COALESCE(?, rejected_at),
				last_status_change_at = ?,
				last_status_change_by = ?,
				updated_at = ?
			WHERE id = ? AND owner_id = ? AND status = ?`,
			patch.Status, patch.AssignedTo, patch.ApprovedBy, patch.ExecutionID,
			patch.ApprovalReasoning, patch.RejectionReasoning, patch.CompletionSummary,
			patch.ClearBlock, patch.BlockedReason, patch.ClearBlock, utcPtr(patch.BlockedAt),
			utcPtr(patch.ApprovedAt), utcPtr(patch.StartedAt), utcPtr(patch.CompletedAt), utcPtr(patch.RejectedAt),
			changedAt, patch.ChangedBy, changedAt,
			id, ownerID, from)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		applied = true
		_, err = exec(ctx, tx, `
			INSERT INTO task_events (task_id, owner_id, from_status, to_status, actor, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ownerID, from, patch.Status, patch.ChangedBy, note, changedAt)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListTaskEvents returns the audit trail of a task in order
func (db *DB) ListTaskEvents(ctx context.Context, ownerID string, taskID int64) ([]*TaskEvent, error) {
	events := []*TaskEvent{}
	err := selectRows(ctx, db.conn, &events, `
		SELECT `+taskEventColumns+` FROM task_events WHERE owner_id = ? AND task_id = ? ORDER BY id`,
		ownerID, taskID)
	return events, err
}
