package runtime

import (
	"context"

	"github.com/kylemclaren/claude-routines/internal/db"
)

// Job is what the scheduler or a manual trigger hands to a runtime
type Job struct {
	ExecutionID int64
	OwnerID     string
	Parent      db.Parent
	Config      db.JSON
}

// Runtime performs executions. Start must not block on the run: the runtime appends log lines
// while it works and finishes with exactly one of complete or fail.
type Runtime interface {
	Start(ctx context.Context, job Job) error
}

// Func adapts a function to Runtime
type Func func(ctx context.Context, job Job) error

// Start calls f
func (f Func) Start(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Noop accepts every job and leaves it pending, for deployments where an out-of-process
// runtime drives executions through the HTTP callbacks.
var Noop Runtime = Func(func(context.Context, Job) error { return nil })
