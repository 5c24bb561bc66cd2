package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/runtime"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StaleReason is recorded on executions found unfinished at startup
const StaleReason = "server restarted during execution"

var tracer = otel.Tracer("github.com/kylemclaren/claude-routines/internal/scheduler")

// Config tunes the scheduler loop
type Config struct {
	Tick         time.Duration
	BatchSize    int
	StaleOnStart bool
}

// DefaultConfig ticks every 30 seconds and fails stale executions on start
func DefaultConfig() Config {
	return Config{Tick: 30 * time.Second, BatchSize: 100, StaleOnStart: true}
}

// Scheduler triggers executions for due routines on a fixed tick
type Scheduler struct {
	cron       *cron.Cron
	cfg        Config
	db         *db.DB
	executions *executions.Store
	runtime    runtime.Runtime
	now        func() time.Time
	logger     log.Logger

	mu      sync.Mutex
	running bool
	tickMu  sync.Mutex
	cancel  context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger overrides the shared logger
func WithLogger(l log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a new scheduler
func New(database *db.DB, execStore *executions.Store, rt runtime.Runtime, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithLogger(cron.PrintfLogger(log.GetLogger()))),
		cfg:        cfg,
		db:         database,
		executions: execStore,
		runtime:    rt,
		now:        time.Now,
		logger:     log.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers stale executions, runs one tick immediately and then one per configured interval
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if s.cfg.StaleOnStart {
		n, err := s.executions.FailStale(ctx, StaleReason)
		if err != nil {
			return fmt.Errorf("failed to recover stale executions: %w", err)
		}
		if n > 0 {
			s.logger.Warnf("Marked %d stale executions as failed", n)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), func() {
		if _, err := s.Tick(loopCtx); err != nil {
			s.logger.WithError(err).Error("Scheduler tick failed")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid tick interval: %w", err)
	}

	s.cancel = cancel
	s.cron.Start()
	s.running = true
	s.logger.Infof("Scheduler started, tick every %s", s.cfg.Tick)

	go func() {
		if _, err := s.Tick(loopCtx); err != nil {
			s.logger.WithError(err).Error("Initial scheduler tick failed")
		}
	}()
	return nil
}

// Stop stops the tick loop and waits for a tick in progress
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.tickMu.Lock()
	s.tickMu.Unlock()
}

// Tick runs one scheduling pass and returns how many executions it created. A routine whose
// execution could not be created keeps its next_run_at and is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	due, err := s.db.DueRoutines(ctx, now, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to query due routines: %w", err)
	}
	span.SetAttributes(attribute.Int("routines.due", len(due)))

	created := 0
	for _, routine := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatch(ctx, routine, now); err != nil {
			entry := s.logger.WithFields(logrus.Fields{"routine": routine.ID, "owner": routine.OwnerID})
			if errors.Is(err, db.ErrExecutionActive) {
				entry.Info("Routine still has an active execution, retrying next tick")
			} else {
				entry.WithError(err).Warn("Failed to dispatch routine, retrying next tick")
			}
			continue
		}
		created++
	}
	return created, nil
}

func (s *Scheduler) dispatch(ctx context.Context, routine *db.Routine, now time.Time) error {
	ctx, span := tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.Int64("routine.id", routine.ID),
		attribute.String("routine.frequency", string(routine.Frequency)),
	))
	defer span.End()

	parent := db.Parent{Kind: db.ParentRoutine, ID: routine.ID}
	e, err := s.executions.Create(ctx, routine.OwnerID, parent, db.TriggerScheduled, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int64("execution.id", e.ID))

	patch := db.RoutinePatch{LastRunAt: &now}
	if next, ok := NextRun(routine.Frequency, now); ok {
		patch.NextRunAt = &next
	}
	if err := s.db.UpdateRoutine(ctx, routine.OwnerID, routine.ID, patch); err != nil {
		// the execution exists; the guard keeps the next tick from duplicating it while it runs
		s.logger.WithError(err).WithField("routine", routine.ID).Error("Failed to advance routine schedule")
	}

	s.handOff(ctx, e, routine.Config)
	return nil
}

// RunRoutine triggers a routine immediately, leaving its schedule untouched
func (s *Scheduler) RunRoutine(ctx context.Context, ownerID string, routineID int64) (*db.Execution, error) {
	routine, err := s.db.GetRoutine(ctx, ownerID, routineID)
	if err != nil {
		return nil, err
	}
	e, err := s.executions.Create(ctx, ownerID, db.Parent{Kind: db.ParentRoutine, ID: routine.ID}, db.TriggerManual, nil)
	if err != nil {
		return nil, err
	}
	s.handOff(ctx, e, routine.Config)
	return e, nil
}

// RunModule triggers an agent directly, outside any routine
func (s *Scheduler) RunModule(ctx context.Context, ownerID string, agentID int64) (*db.Execution, error) {
	agent, err := s.db.GetAgent(ctx, ownerID, agentID)
	if err != nil {
		return nil, err
	}
	e, err := s.executions.Create(ctx, ownerID, db.Parent{Kind: db.ParentModule, ID: agent.ID}, db.TriggerManual, nil)
	if err != nil {
		return nil, err
	}
	s.handOff(ctx, e, agent.Config)
	return e, nil
}

// handOff gives the execution to the runtime without waiting for the run. A refused hand-off
// is recorded as a failure so the execution does not stay pending.
func (s *Scheduler) handOff(ctx context.Context, e *db.Execution, config db.JSON) {
	job := runtime.Job{ExecutionID: e.ID, OwnerID: e.OwnerID, Parent: e.Parent(), Config: config}
	if err := s.runtime.Start(ctx, job); err != nil {
		s.logger.WithError(err).WithField("execution", e.ID).Warn("Runtime refused execution")
		if _, ferr := s.executions.Fail(context.WithoutCancel(ctx), e.OwnerID, e.ID, err.Error()); ferr != nil {
			s.logger.WithError(ferr).WithField("execution", e.ID).Error("Failed to record refused execution")
		}
	}
}

// NextRun returns when a routine of frequency f should next run after a run at now.
// Manual and auto routines have no scheduler-driven next run.
func NextRun(f db.Frequency, now time.Time) (time.Time, bool) {
	switch f {
	case db.FrequencyDaily:
		return now.Add(24 * time.Hour), true
	case db.FrequencyWeekly:
		return now.Add(7 * 24 * time.Hour), true
	}
	return time.Time{}, false
}
