package db

import (
	"context"
	"time"
)

const agentColumns = `id, owner_id, name, status, config, created_at, updated_at`

const routineColumns = `r.id, r.owner_id, r.agent_id, r.name, r.frequency, r.status, r.config,
	r.last_run_at, r.next_run_at, r.created_at, r.updated_at`

// CreateAgent inserts an agent and sets its ID
func (db *DB) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	id, err := insertReturningID(ctx, db.conn, `
		INSERT INTO agents (owner_id, name, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		agent.OwnerID, agent.Name, agent.Status, agent.Config, now, now)
	if err != nil {
		return err
	}
	agent.ID = id
	agent.CreatedAt = now
	agent.UpdatedAt = now
	return nil
}

// GetAgent retrieves an agent owned by ownerID
func (db *DB) GetAgent(ctx context.Context, ownerID string, id int64) (*Agent, error) {
	agent := &Agent{}
	err := get(ctx, db.conn, agent, `SELECT `+agentColumns+` FROM agents WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// SetAgentStatus enables or disables an agent
func (db *DB) SetAgentStatus(ctx context.Context, ownerID string, id int64, status AgentStatus) error {
	n, err := exec(ctx, db.conn, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		status, time.Now().UTC(), id, ownerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRoutine inserts a routine and sets its ID. The agent must belong to the same owner.
func (db *DB) CreateRoutine(ctx context.Context, routine *Routine) error {
	if _, err := db.GetAgent(ctx, routine.OwnerID, routine.AgentID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if routine.Status == "" {
		routine.Status = RoutineStatusActive
	}
	id, err := insertReturningID(ctx, db.conn, `
		INSERT INTO routines (owner_id, agent_id, name, frequency, status, config, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		routine.OwnerID, routine.AgentID, routine.Name, routine.Frequency, routine.Status, routine.Config,
		utcPtr(routine.LastRunAt), utcPtr(routine.NextRunAt), now, now)
	if err != nil {
		return err
	}
	routine.ID = id
	routine.CreatedAt = now
	routine.UpdatedAt = now
	return nil
}

// GetRoutine retrieves a routine owned by ownerID
func (db *DB) GetRoutine(ctx context.Context, ownerID string, id int64) (*Routine, error) {
	routine := &Routine{}
	err := get(ctx, db.conn, routine, `SELECT `+routineColumns+` FROM routines r WHERE r.id = ? AND r.owner_id = ?`, id, ownerID)
	if err != nil {
		return nil, err
	}
	return routine, nil
}

// ListRoutines retrieves all routines of an owner
func (db *DB) ListRoutines(ctx context.Context, ownerID string) ([]*Routine, error) {
	routines := []*Routine{}
	err := selectRows(ctx, db.conn, &routines, `SELECT `+routineColumns+` FROM routines r WHERE r.owner_id = ? ORDER BY r.id`, ownerID)
	return routines, err
}

// DueRoutines returns active routines of active agents whose next run is unset or not after now.
// Never-run routines come first, then by next_run_at. Only daily and weekly routines are
// scheduler-driven; manual and auto routines run on external triggers only.
// This is the one query that spans owners: the scheduler serves every account.
func (db *DB) DueRoutines(ctx context.Context, now time.Time, limit int) ([]*Routine, error) {
	routines := []*Routine{}
	err := selectRows(ctx, db.conn, &routines, `
		SELECT `+routineColumns+`
		FROM routines r
		JOIN agents a ON a.id = r.agent_id AND a.owner_id = r.owner_id
		WHERE r.status = ? AND a.status = ?
			AND r.frequency IN (?, ?)
			AND (r.next_run_at IS NULL OR r.next_run_at <= ?)
		ORDER BY r.next_run_at IS NOT NULL, r.next_run_at, r.id
		LIMIT ?`,
		RoutineStatusActive, AgentStatusActive, FrequencyDaily, FrequencyWeekly, utc(now), limit)
	return routines, err
}

// UpdateRoutine applies patch to a routine owned by ownerID
func (db *DB) UpdateRoutine(ctx context.Context, ownerID string, id int64, patch RoutinePatch) error {
	n, err := exec(ctx, db.conn, `
		UPDATE routines SET
			status = COALESCE(?, status),
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = COALESCE(?, next_run_at),
			updated_at = ?
		WHERE id = ? AND owner_id = ?`,
		patch.Status, utcPtr(patch.LastRunAt), utcPtr(patch.NextRunAt), time.Now().UTC(), id, ownerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
