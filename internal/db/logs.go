package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const logColumns = `id, owner_id, execution_id, level, stage, message, metadata, created_at`

// AppendLogLine inserts a log line for an execution owned by line.OwnerID and sets its ID.
// Finished executions take no more lines: the append fails with an InvalidTransitionError.
func (db *DB) AppendLogLine(ctx context.Context, line *LogLine) error {
	now := time.Now().UTC()
	id, err := insertReturningID(ctx, db.conn, `
		INSERT INTO log_lines (owner_id, execution_id, level, stage, message, metadata, created_at)
		SELECT owner_id, id, ?, ?, ?, ?, ? FROM executions WHERE id = ? AND owner_id = ? AND status IN (?, ?)`,
		line.Level, line.Stage, line.Message, line.Metadata, now, line.ExecutionID, line.OwnerID,
		ExecutionPending, ExecutionRunning)
	if errors.Is(err, sql.ErrNoRows) {
		e, gerr := db.GetExecution(ctx, line.OwnerID, line.ExecutionID)
		if gerr != nil {
			return gerr
		}
		return &InvalidTransitionError{Entity: "execution", ID: e.ID, From: string(e.Status), To: "log"}
	}
	if err != nil {
		return err
	}
	line.ID = id
	line.CreatedAt = now
	return nil
}

// ListLogLines returns the first limit lines of an execution in id order
func (db *DB) ListLogLines(ctx context.Context, ownerID string, executionID int64, limit int) ([]*LogLine, error) {
	lines := []*LogLine{}
	err := selectRows(ctx, db.conn, &lines, `
		SELECT `+logColumns+` FROM log_lines
		WHERE owner_id = ? AND execution_id = ?
		ORDER BY id LIMIT ?`,
		ownerID, executionID, limit)
	return lines, err
}

// LogLinesSince returns lines of an execution with id greater than sinceID, in id order.
// A limit of zero or less returns all of them.
func (db *DB) LogLinesSince(ctx context.Context, ownerID string, executionID, sinceID int64, limit int) ([]*LogLine, error) {
	lines := []*LogLine{}
	if limit <= 0 {
		err := selectRows(ctx, db.conn, &lines, `
			SELECT `+logColumns+` FROM log_lines
			WHERE owner_id = ? AND execution_id = ? AND id > ?
			ORDER BY id`,
			ownerID, executionID, sinceID)
		return lines, err
	}
	err := selectRows(ctx, db.conn, &lines, `
		SELECT `+logColumns+` FROM log_lines
		WHERE owner_id = ? AND execution_id = ? AND id > ?
		ORDER BY id LIMIT ?`,
		ownerID, executionID, sinceID, limit)
	return lines, err
}

// OwnerLogLinesSince returns lines of every execution of an owner with id greater than sinceID
func (db *DB) OwnerLogLinesSince(ctx context.Context, ownerID string, sinceID int64, limit int) ([]*LogLine, error) {
	lines := []*LogLine{}
	err := selectRows(ctx, db.conn, &lines, `
		SELECT `+logColumns+` FROM log_lines
		WHERE owner_id = ? AND id > ?
		ORDER BY id LIMIT ?`,
		ownerID, sinceID, limit)
	return lines, err
}

// CountLogLines returns the number of lines of an execution
func (db *DB) CountLogLines(ctx context.Context, ownerID string, executionID int64) (int, error) {
	var n int
	err := get(ctx, db.conn, &n, `SELECT COUNT(*) FROM log_lines WHERE owner_id = ? AND execution_id = ?`, ownerID, executionID)
	return n, err
}

// LatestLogLineID returns the highest log line id of an owner, zero when there are none
func (db *DB) LatestLogLineID(ctx context.Context, ownerID string) (int64, error) {
	var id int64
	err := get(ctx, db.conn, &id, `SELECT COALESCE(MAX(id), 0) FROM log_lines WHERE owner_id = ?`, ownerID)
	return id, err
}
