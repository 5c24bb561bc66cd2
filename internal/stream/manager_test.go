package stream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/stream"
	"github.com/kylemclaren/claude-routines/internal/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "acme"

type fixture struct {
	db         *db.DB
	executions *executions.Store
	logs       *logs.Store
	manager    *stream.Manager
}

// newFixture wires the manager the way serve does. The poll interval is long so delivery
// in these tests depends on notifications.
func newFixture(t *testing.T, cfg stream.Config) *fixture {
	t.Helper()
	database := testutil.NewSQLite(t)
	logger, _ := test.NewNullLogger()
	execStore := executions.New(database, executions.WithLogger(logger))
	f := &fixture{db: database, executions: execStore}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	// the manager needs the log store and the log store notifies the manager
	notifier := &lateNotifier{}
	f.logs = logs.New(database, notifier)
	f.manager = stream.NewManager(f.logs, execStore, cfg)
	notifier.target = f.manager
	execStore.OnFinish(f.manager.ExecutionFinished)
	t.Cleanup(f.manager.Close)
	return f
}

type lateNotifier struct{ target logs.Notifier }

func (n *lateNotifier) LogAppended(line *db.LogLine) { n.target.LogAppended(line) }

func (f *fixture) running(t *testing.T, parentID int64) *db.Execution {
	ctx := context.Background()
	e, err := f.executions.Create(ctx, owner, db.Parent{Kind: db.ParentModule, ID: parentID}, db.TriggerManual, nil)
	require.NoError(t, err)
	_, err = f.executions.MarkRunning(ctx, owner, e.ID)
	require.NoError(t, err)
	return e
}

func (f *fixture) appendN(t *testing.T, e *db.Execution, n int) {
	for i := 0; i < n; i++ {
		_, err := f.logs.Append(context.Background(), owner, e.ID, logs.Entry{Message: fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
	}
}

func next(t *testing.T, sub *stream.Subscription) stream.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
	return stream.Event{}
}

func TestResumeFromCursorThenLiveThenComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{})
	e := f.running(t, 1)
	f.appendN(t, e, 45)

	sub, err := f.manager.SubscribeExecution(ctx, owner, e.ID, 41)
	require.NoError(t, err)

	for want := int64(42); want <= 45; want++ {
		ev := next(t, sub)
		require.Equal(t, stream.EventLog, ev.Type)
		assert.Equal(t, want, ev.Line.ID)
	}

	f.appendN(t, e, 2)
	assert.Equal(t, int64(46), next(t, sub).Line.ID)
	assert.Equal(t, int64(47), next(t, sub).Line.ID)

	_, err = f.executions.Complete(ctx, owner, e.ID, executions.Result{CostUSD: 0.02, DurationMs: 1500})
	require.NoError(t, err)

	ev := next(t, sub)
	require.Equal(t, stream.EventComplete, ev.Type)
	assert.Equal(t, e.ID, ev.Completion.ExecutionID)
	assert.Equal(t, db.ExecutionCompleted, ev.Completion.Status)
	assert.InDelta(t, 0.02, *ev.Completion.CostUSD, 1e-9)

	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok, "stream must close after the completion event")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestSubscribeToFinishedExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{})
	e := f.running(t, 1)
	f.appendN(t, e, 3)
	_, err := f.executions.Fail(ctx, owner, e.ID, "quota exceeded")
	require.NoError(t, err)

	sub, err := f.manager.SubscribeExecution(ctx, owner, e.ID, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, stream.EventLog, next(t, sub).Type)
	}
	ev := next(t, sub)
	require.Equal(t, stream.EventComplete, ev.Type)
	assert.Equal(t, "quota exceeded", ev.Completion.Error)
}

func TestSubscribeRequiresOwnership(t *testing.T) {
	f := newFixture(t, stream.Config{})
	e := f.running(t, 1)

	_, err := f.manager.SubscribeExecution(context.Background(), "intruder", e.ID, 0)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSlowConsumerLosesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{PageSize: 7})
	e := f.running(t, 1)

	sub, err := f.manager.SubscribeExecution(ctx, owner, e.ID, 0)
	require.NoError(t, err)
	f.appendN(t, e, 120)

	var last int64
	for i := 0; i < 120; i++ {
		ev := next(t, sub)
		require.Equal(t, stream.EventLog, ev.Type)
		require.Greater(t, ev.Line.ID, last)
		last = ev.Line.ID
	}
	assert.Equal(t, last, sub.Cursor())
}

func TestPollingCoversMissedNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{PollInterval: 20 * time.Millisecond})
	e := f.running(t, 1)

	sub, err := f.manager.SubscribeExecution(ctx, owner, e.ID, 0)
	require.NoError(t, err)

	// written behind the manager's back, as another process would
	quiet := logs.New(f.db, nil)
	_, err = quiet.Append(ctx, owner, e.ID, logs.Entry{Message: "from the daemon"})
	require.NoError(t, err)

	ev := next(t, sub)
	assert.Equal(t, "from the daemon", ev.Line.Message)
}

func TestOwnerStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{})
	before := f.running(t, 1)
	f.appendN(t, before, 2)

	sub, err := f.manager.SubscribeOwner(ctx, owner, 0)
	require.NoError(t, err)

	a := f.running(t, 2)
	b := f.running(t, 3)
	f.appendN(t, a, 1)
	f.appendN(t, b, 1)

	first := next(t, sub)
	second := next(t, sub)
	assert.Equal(t, a.ID, first.Line.ExecutionID, "history before subscribing is skipped")
	assert.Equal(t, b.ID, second.Line.ExecutionID)

	_, err = f.executions.Complete(ctx, owner, a.ID, executions.Result{DurationMs: 5})
	require.NoError(t, err)
	ev := next(t, sub)
	require.Equal(t, stream.EventComplete, ev.Type)
	assert.Equal(t, a.ID, ev.Completion.ExecutionID)

	// a repeated notification does not repeat the completion
	f.manager.Notify(owner, a.ID, true)
	f.appendN(t, b, 1)
	ev = next(t, sub)
	assert.Equal(t, stream.EventLog, ev.Type)
	assert.Equal(t, b.ID, ev.Line.ExecutionID)

	// owner-wide streams stay open after an execution completes
	assert.Equal(t, 1, f.manager.Subscribers())
	f.manager.Unsubscribe(sub)
	for range sub.Events {
	}
}

func TestOwnerStreamIgnoresOtherOwners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{PollInterval: 20 * time.Millisecond})

	sub, err := f.manager.SubscribeOwner(ctx, "someone-else", 0)
	require.NoError(t, err)
	e := f.running(t, 1)
	f.appendN(t, e, 3)

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOwnerStreamReportsSilentExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stream.Config{PollInterval: 20 * time.Millisecond})
	logger, _ := test.NewNullLogger()
	// another process: no finish hooks and no log lines
	daemon := executions.New(f.db, executions.WithLogger(logger))

	already, err := daemon.Create(ctx, owner, db.Parent{Kind: db.ParentModule, ID: 1}, db.TriggerScheduled, nil)
	require.NoError(t, err)

	sub, err := f.manager.SubscribeOwner(ctx, owner, 0)
	require.NoError(t, err)

	_, err = daemon.Fail(ctx, owner, already.ID, "timed out")
	require.NoError(t, err)
	ev := next(t, sub)
	require.Equal(t, stream.EventComplete, ev.Type)
	assert.Equal(t, already.ID, ev.Completion.ExecutionID)
	assert.Equal(t, db.ExecutionFailed, ev.Completion.Status)

	later, err := daemon.Create(ctx, owner, db.Parent{Kind: db.ParentModule, ID: 2}, db.TriggerScheduled, nil)
	require.NoError(t, err)
	_, err = daemon.MarkRunning(ctx, owner, later.ID)
	require.NoError(t, err)
	_, err = daemon.Complete(ctx, owner, later.ID, executions.Result{DurationMs: 10})
	require.NoError(t, err)

	ev = next(t, sub)
	require.Equal(t, stream.EventComplete, ev.Type)
	assert.Equal(t, later.ID, ev.Completion.ExecutionID)
	assert.Equal(t, db.ExecutionCompleted, ev.Completion.Status)

	select {
	case ev := <-sub.Events:
		t.Fatalf("completion reported twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
