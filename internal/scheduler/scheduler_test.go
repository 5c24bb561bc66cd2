package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/runtime"
	"github.com/kylemclaren/claude-routines/internal/scheduler"
	"github.com/kylemclaren/claude-routines/internal/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "acme"

type recordingRuntime struct {
	mu   sync.Mutex
	jobs []runtime.Job
	err  error
}

func (r *recordingRuntime) Start(_ context.Context, job runtime.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingRuntime) Jobs() []runtime.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Job{}, r.jobs...)
}

type fixture struct {
	db         *db.DB
	clock      *testutil.Clock
	executions *executions.Store
	logs       *logs.Store
	runtime    *recordingRuntime
	scheduler  *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewSQLite(t)
	clock := testutil.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	logger, _ := test.NewNullLogger()
	execStore := executions.New(database, executions.WithClock(clock.Now), executions.WithLogger(logger))
	rt := &recordingRuntime{}
	return &fixture{
		db:         database,
		clock:      clock,
		executions: execStore,
		logs:       logs.New(database, nil),
		runtime:    rt,
		scheduler: scheduler.New(database, execStore, rt, scheduler.Config{Tick: time.Minute},
			scheduler.WithClock(clock.Now), scheduler.WithLogger(logger)),
	}
}

func (f *fixture) routine(t *testing.T, freq db.Frequency, next *time.Time) *db.Routine {
	t.Helper()
	ctx := context.Background()
	agent := &db.Agent{OwnerID: owner, Name: "mailer"}
	require.NoError(t, f.db.CreateAgent(ctx, agent))
	r := &db.Routine{OwnerID: owner, AgentID: agent.ID, Name: "inbox digest", Frequency: freq, NextRunAt: next,
		Config: db.JSON(`{"prompt":"summarise my inbox"}`)}
	require.NoError(t, f.db.CreateRoutine(ctx, r))
	return r
}

func TestDailyRoutineScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.routine(t, db.FrequencyDaily, nil)
	now := f.clock.Now()

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := f.runtime.Jobs()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, db.Parent{Kind: db.ParentRoutine, ID: r.ID}, job.Parent)
	assert.JSONEq(t, `{"prompt":"summarise my inbox"}`, string(job.Config))

	e1, err := f.executions.Get(ctx, owner, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionPending, e1.Status)
	assert.Equal(t, db.TriggerScheduled, e1.TriggerType)

	// the runtime's side of the contract
	_, err = f.executions.MarkRunning(ctx, owner, e1.ID)
	require.NoError(t, err)
	for _, msg := range []string{"fetching", "summarising", "sending"} {
		_, err := f.logs.Append(ctx, owner, e1.ID, logs.Entry{Message: msg})
		require.NoError(t, err)
	}
	e1, err = f.executions.Complete(ctx, owner, e1.ID, executions.Result{CostUSD: 0.02, DurationMs: 1500})
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionCompleted, e1.Status)

	got, err := f.db.GetRoutine(ctx, owner, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, now.Add(24*time.Hour).Equal(*got.NextRunAt), "next_run_at = %s", got.NextRunAt)
	assert.True(t, now.Equal(*got.LastRunAt))

	// nothing is due until the day has passed
	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(24 * time.Hour)
	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActiveExecutionDoesNotAdvanceSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.routine(t, db.FrequencyDaily, nil)

	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	first, err := f.db.GetRoutine(ctx, owner, r.ID)
	require.NoError(t, err)

	// the first run is still going when the routine comes due again
	f.clock.Advance(25 * time.Hour)
	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	second, err := f.db.GetRoutine(ctx, owner, r.ID)
	require.NoError(t, err)
	assert.True(t, first.NextRunAt.Equal(*second.NextRunAt), "next_run_at must not move")
	assert.True(t, first.LastRunAt.Equal(*second.LastRunAt))

	// once the run finishes the retry goes through
	job := f.runtime.Jobs()[0]
	_, err = f.executions.Fail(ctx, owner, job.ExecutionID, "crashed")
	require.NoError(t, err)
	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.runtime.Jobs(), 2)
}

func TestNeverRunRoutinesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	past := f.clock.Now().Add(-time.Hour)
	overdue := f.routine(t, db.FrequencyWeekly, &past)
	fresh := f.routine(t, db.FrequencyDaily, nil)

	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	jobs := f.runtime.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, fresh.ID, jobs[0].Parent.ID)
	assert.Equal(t, overdue.ID, jobs[1].Parent.ID)
}

func TestRefusedHandOffFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runtime.err = errors.New("no prompt")
	r := f.routine(t, db.FrequencyDaily, nil)

	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)

	recent, err := f.executions.GetRecent(ctx, owner, db.Parent{Kind: db.ParentRoutine, ID: r.ID}, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, db.ExecutionFailed, recent[0].Status)
	assert.Equal(t, "no prompt", *recent[0].ErrorMessage)

	got, err := f.db.GetRoutine(ctx, owner, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.NextRunAt, "the runtime failure is on the execution, not the schedule")
}

func TestManualRunLeavesScheduleAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	next := f.clock.Now().Add(6 * time.Hour)
	r := f.routine(t, db.FrequencyDaily, &next)

	e, err := f.scheduler.RunRoutine(ctx, owner, r.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TriggerManual, e.TriggerType)

	got, err := f.db.GetRoutine(ctx, owner, r.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Nil(t, got.LastRunAt)

	_, err = f.scheduler.RunRoutine(ctx, owner, r.ID)
	assert.ErrorIs(t, err, db.ErrExecutionActive)

	_, err = f.scheduler.RunRoutine(ctx, "intruder", r.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRunModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.routine(t, db.FrequencyManual, nil)

	e, err := f.scheduler.RunModule(ctx, owner, r.AgentID)
	require.NoError(t, err)
	assert.Equal(t, db.ParentModule, e.ParentKind)
	assert.Equal(t, r.AgentID, e.ParentID)
}

func TestManualAndAutoAreNeverScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.routine(t, db.FrequencyManual, nil)
	f.routine(t, db.FrequencyAuto, nil)

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	next, ok := scheduler.NextRun(db.FrequencyDaily, now)
	assert.True(t, ok)
	assert.Equal(t, now.Add(24*time.Hour), next)

	next, ok = scheduler.NextRun(db.FrequencyWeekly, now)
	assert.True(t, ok)
	assert.Equal(t, now.AddDate(0, 0, 7), next)

	_, ok = scheduler.NextRun(db.FrequencyManual, now)
	assert.False(t, ok)
	_, ok = scheduler.NextRun(db.FrequencyAuto, now)
	assert.False(t, ok)
}

func TestNextRunKeepsSubSecondPrecision(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 750_000_000, time.UTC)

	next, ok := scheduler.NextRun(db.FrequencyDaily, now)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, next.Sub(now))

	next, ok = scheduler.NextRun(db.FrequencyWeekly, now)
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, next.Sub(now))
}

func TestStartRecoversStaleExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.routine(t, db.FrequencyManual, nil)
	e, err := f.executions.Create(ctx, owner, db.Parent{Kind: db.ParentRoutine, ID: r.ID}, db.TriggerManual, nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Start(ctx))
	f.scheduler.Stop()

	got, err := f.executions.Get(ctx, owner, e.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionFailed, got.Status)
	assert.Equal(t, scheduler.StaleReason, *got.ErrorMessage)
}
