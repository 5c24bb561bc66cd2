package tasks_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/tasks"
	"github.com/kylemclaren/claude-routines/internal/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "acme"

func newEngine(t *testing.T) (*tasks.Engine, *db.DB) {
	t.Helper()
	database := testutil.NewSQLite(t)
	logger, _ := test.NewNullLogger()
	clock := testutil.NewClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	return tasks.New(database, tasks.WithClock(clock.Now), tasks.WithLogger(logger)), database
}

func newExecution(t *testing.T, database *db.DB, ownerID string) *db.Execution {
	t.Helper()
	e := &db.Execution{OwnerID: ownerID, ParentKind: db.ParentModule, ParentID: time.Now().UnixNano(), TriggerType: db.TriggerManual}
	require.NoError(t, database.CreateExecution(context.Background(), e))
	return e
}

func approval() tasks.Context {
	return tasks.Context{Actor: "lead", Reasoning: "worth doing", AssignedTo: "agent:writer"}
}

func TestWorkflowScenario(t *testing.T) {
	ctx := context.Background()
	engine, database := newEngine(t)

	task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "refresh pricing page", ProposedBy: "agent:writer", Reasoning: "stale numbers"})
	require.NoError(t, err)
	assert.Equal(t, db.TaskSuggested, task.Status)

	task, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
	require.NoError(t, err)
	assert.Equal(t, db.TaskApproved, task.Status)
	assert.NotNil(t, task.ApprovedAt)
	assert.Equal(t, "agent:writer", *task.AssignedTo)
	assert.Equal(t, "lead", task.LastStatusChangeBy)

	_, err = engine.Transition(ctx, owner, task.ID, db.TaskCompleted, tasks.Context{Actor: "agent:writer", Summary: "done"})
	var invalid *db.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "approved", invalid.From)
	assert.Equal(t, "completed", invalid.To)

	e := newExecution(t, database, owner)
	task, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{Actor: "agent:writer", ExecutionID: e.ID})
	require.NoError(t, err)
	assert.Equal(t, db.TaskInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)
	assert.Equal(t, e.ID, *task.ExecutionID)

	task, err = engine.Transition(ctx, owner, task.ID, db.TaskCompleted, tasks.Context{Actor: "agent:writer", Summary: "updated 4 prices"})
	require.NoError(t, err)
	assert.Equal(t, db.TaskCompleted, task.Status)
	assert.Equal(t, "updated 4 prices", *task.CompletionSummary)
	assert.NotNil(t, task.CompletedAt)

	events, err := engine.Events(ctx, owner, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, db.TaskInProgress, events[2].FromStatus)
	assert.Equal(t, db.TaskCompleted, events[2].ToStatus)
}

func TestRejectedTransitionsLeaveStatusUnchanged(t *testing.T) {
	ctx := context.Background()
	engine, database := newEngine(t)
	statuses := []db.TaskStatus{db.TaskSuggested, db.TaskApproved, db.TaskRejected, db.TaskInProgress, db.TaskWaiting, db.TaskCompleted}

	// drive a fresh task to each status through allowed moves
	reach := func(t *testing.T, target db.TaskStatus) *db.Task {
		task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
		require.NoError(t, err)
		steps := map[db.TaskStatus][]db.TaskStatus{
			db.TaskSuggested:  nil,
			db.TaskApproved:   {db.TaskApproved},
			db.TaskRejected:   {db.TaskRejected},
			db.TaskInProgress: {db.TaskApproved, db.TaskInProgress},
			db.TaskWaiting:    {db.TaskApproved, db.TaskInProgress, db.TaskWaiting},
			db.TaskCompleted:  {db.TaskApproved, db.TaskInProgress, db.TaskCompleted},
		}
		for _, step := range steps[target] {
			task, err = engine.Transition(ctx, owner, task.ID, step, fullContext(t, database))
			require.NoError(t, err)
		}
		return task
	}

	for _, from := range statuses {
		for _, to := range statuses {
			if tasks.CanTransition(from, to) {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				task := reach(t, from)
				_, err := engine.Transition(ctx, owner, task.ID, to, fullContext(t, database))
				assert.True(t, db.IsInvalidTransition(err), "got %v", err)

				after, err := engine.Get(ctx, owner, task.ID)
				require.NoError(t, err)
				assert.Equal(t, from, after.Status)
			})
		}
	}
}

// fullContext satisfies every transition's requirements
func fullContext(t *testing.T, database *db.DB) tasks.Context {
	e := newExecution(t, database, owner)
	return tasks.Context{
		Actor:         "lead",
		Reasoning:     "because",
		AssignedTo:    "agent:writer",
		ExecutionID:   e.ID,
		Summary:       "done",
		BlockedReason: "waiting on credentials",
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []db.TaskStatus{db.TaskCompleted, db.TaskRejected} {
		for _, to := range []db.TaskStatus{db.TaskSuggested, db.TaskApproved, db.TaskRejected, db.TaskInProgress, db.TaskWaiting, db.TaskCompleted} {
			assert.False(t, tasks.CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestMissingContext(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t)

	task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
	require.NoError(t, err)

	_, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, tasks.Context{Actor: "lead", Reasoning: "ok"})
	assert.ErrorIs(t, err, tasks.ErrMissingContext)

	_, err = engine.Transition(ctx, owner, task.ID, db.TaskRejected, tasks.Context{Actor: "lead"})
	assert.ErrorIs(t, err, tasks.ErrMissingContext)

	task, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
	require.NoError(t, err)
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{Actor: "agent:writer"})
	assert.ErrorIs(t, err, tasks.ErrMissingContext)

	_, err = engine.Propose(ctx, owner, tasks.Proposal{Title: "  "})
	assert.ErrorIs(t, err, tasks.ErrMissingContext)
}

func TestLinkedExecutionMustBelongToOwner(t *testing.T) {
	ctx := context.Background()
	engine, database := newEngine(t)

	task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
	require.NoError(t, err)

	foreign := newExecution(t, database, "other-account")
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{ExecutionID: foreign.ID})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBlockAndResume(t *testing.T) {
	ctx := context.Background()
	engine, database := newEngine(t)

	task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
	require.NoError(t, err)
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{ExecutionID: newExecution(t, database, owner).ID})
	require.NoError(t, err)

	blocked, err := db.ParseTaskStatus("blocked")
	require.NoError(t, err)
	task, err = engine.Transition(ctx, owner, task.ID, blocked, tasks.Context{Actor: "agent:writer", BlockedReason: "need API key"})
	require.NoError(t, err)
	assert.Equal(t, db.TaskWaiting, task.Status)
	assert.NotNil(t, task.BlockedAt)

	task, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{Actor: "lead"})
	require.NoError(t, err)
	assert.Nil(t, task.BlockedReason)
	assert.Nil(t, task.BlockedAt)
	assert.Equal(t, "lead", task.LastStatusChangeBy)
}

func TestAbandonFromAnyOpenStatus(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t)

	task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
	require.NoError(t, err)

	task, err = engine.Transition(ctx, owner, task.ID, db.TaskRejected, tasks.Context{Actor: "lead", Reasoning: "superseded"})
	require.NoError(t, err)
	assert.Equal(t, db.TaskRejected, task.Status)
	assert.Equal(t, "superseded", *task.RejectionReasoning)
}

func TestExecutionFinishedAdvancesLinkedTasks(t *testing.T) {
	ctx := context.Background()
	engine, database := newEngine(t)
	logger, _ := test.NewNullLogger()
	store := executions.New(database, executions.WithLogger(logger))
	store.OnFinish(engine.ExecutionFinished)

	start := func(t *testing.T) (*db.Task, *db.Execution) {
		e, err := store.Create(ctx, owner, db.Parent{Kind: db.ParentModule, ID: time.Now().UnixNano()}, db.TriggerManual, nil)
		require.NoError(t, err)
		task, err := engine.Propose(ctx, owner, tasks.Proposal{Title: "t"})
		require.NoError(t, err)
		_, err = engine.Transition(ctx, owner, task.ID, db.TaskApproved, approval())
		require.NoError(t, err)
		_, err = engine.Transition(ctx, owner, task.ID, db.TaskInProgress, tasks.Context{ExecutionID: e.ID})
		require.NoError(t, err)
		_, err = store.MarkRunning(ctx, owner, e.ID)
		require.NoError(t, err)
		return task, e
	}

	t.Run("success completes", func(t *testing.T) {
		task, e := start(t)
		_, err := store.Complete(ctx, owner, e.ID, executions.Result{CostUSD: 0.01, Summary: "shipped"})
		require.NoError(t, err)

		got, err := engine.Get(ctx, owner, task.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TaskCompleted, got.Status)
		assert.Equal(t, "shipped", *got.CompletionSummary)
		assert.Equal(t, tasks.SystemActor, got.LastStatusChangeBy)
	})

	t.Run("failure waits", func(t *testing.T) {
		task, e := start(t)
		_, err := store.Fail(ctx, owner, e.ID, "rate limited")
		require.NoError(t, err)

		got, err := engine.Get(ctx, owner, task.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TaskWaiting, got.Status)
		assert.Equal(t, "rate limited", *got.BlockedReason)
	})
}
