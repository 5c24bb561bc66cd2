package executions

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/kylemclaren/claude-routines/internal/db"
)

// ErrAwaitTimeout is returned when an execution is still not terminal at the polling ceiling.
// The run itself is not cancelled.
var ErrAwaitTimeout = errors.New("timed out waiting for execution")

// AwaitOptions bounds completion polling
type AwaitOptions struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// DefaultAwaitOptions polls from 1s up to 10s for at most 10 minutes
func DefaultAwaitOptions() AwaitOptions {
	return AwaitOptions{
		Interval:    time.Second,
		MaxInterval: 10 * time.Second,
		Timeout:     10 * time.Minute,
	}
}

// Await polls an execution until it is terminal, the timeout elapses or ctx is done
func (s *Store) Await(ctx context.Context, ownerID string, id int64, opts AwaitOptions) (*db.Execution, error) {
	def := DefaultAwaitOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}

	b := &backoff.Backoff{
		Min:    opts.Interval,
		Max:    opts.MaxInterval,
		Factor: 2,
	}
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	for {
		e, err := s.db.GetExecution(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		if e.Status.Terminal() {
			return e, nil
		}

		wait := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			wait.Stop()
			return e, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return e, ErrAwaitTimeout
		case <-wait.C:
		}
	}
}
