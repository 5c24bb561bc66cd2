package main

import (
	"context"
	"fmt"

	"github.com/kylemclaren/claude-routines/internal/config"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/logs"
	"github.com/kylemclaren/claude-routines/internal/runtime"
	"github.com/kylemclaren/claude-routines/internal/scheduler"
	"github.com/kylemclaren/claude-routines/internal/stream"
	"github.com/kylemclaren/claude-routines/internal/tasks"
	"github.com/kylemclaren/claude-routines/internal/webhook"
	"github.com/redis/go-redis/v9"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg        *config.Config
	db         *db.DB
	executions *executions.Store
	logs       *logs.Store
	tasks      *tasks.Engine
	streams    *stream.Manager
	relay      *stream.Relay
	redis      *redis.Client
	webhooks   *webhook.Notifier
	command    *runtime.Command
	runtime    runtime.Runtime
	scheduler  *scheduler.Scheduler
}

// relayNotifier lets the log store be built before the broadcaster it notifies
type relayNotifier struct {
	target logs.Notifier
}

func (n *relayNotifier) LogAppended(line *db.LogLine) {
	if n.target != nil {
		n.target.LogAppended(line)
	}
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	logger := log.GetLogger()

	a := &app{cfg: cfg, db: database}
	a.executions = executions.New(database)
	notifier := &relayNotifier{}
	a.logs = logs.New(database, notifier)
	a.tasks = tasks.New(database)
	a.streams = stream.NewManager(a.logs, a.executions, stream.Config{
		PollInterval: cfg.Stream.PollInterval.Duration,
		PageSize:     cfg.Stream.PageSize,
	})
	a.webhooks = webhook.NewNotifier(database, logger)

	// with redis every notification takes the round trip, so other processes see the same stream
	if cfg.Redis.URL != "" {
		client, err := stream.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			database.Close()
			return nil, err
		}
		a.redis = client
		a.relay = stream.NewRelay(client, cfg.Redis.Channel, a.streams)
		notifier.target = a.relay
	} else {
		notifier.target = a.streams
	}

	// task outcomes first, so webhook and stream observers see the settled workflow
	a.executions.OnFinish(a.tasks.ExecutionFinished)
	a.executions.OnFinish(a.webhooks.ExecutionFinished)
	if a.relay != nil {
		a.executions.OnFinish(a.relay.ExecutionFinished)
	} else {
		a.executions.OnFinish(a.streams.ExecutionFinished)
	}

	switch cfg.Runtime.Mode {
	case "external":
		a.runtime = runtime.Noop
	default:
		a.command = runtime.NewCommand(runtime.CommandConfig{
			Command:       cfg.Runtime.Command,
			Args:          cfg.Runtime.Args,
			Timeout:       cfg.Runtime.Timeout.Duration,
			MaxConcurrent: cfg.Runtime.MaxConcurrent,
		}, a.executions, a.logs)
		a.runtime = a.command
	}

	a.scheduler = scheduler.New(database, a.executions, a.runtime, scheduler.Config{
		Tick:         cfg.Scheduler.Tick.Duration,
		BatchSize:    cfg.Scheduler.BatchSize,
		StaleOnStart: cfg.Scheduler.StaleOnStart,
	})
	return a, nil
}

// runRelay receives redis notifications until ctx is done; without redis it just waits
func (a *app) runRelay(ctx context.Context) error {
	if a.relay == nil {
		<-ctx.Done()
		return nil
	}
	return a.relay.Run(ctx)
}

func (a *app) awaitOptions() executions.AwaitOptions {
	return executions.AwaitOptions{
		Interval:    a.cfg.Await.Interval.Duration,
		MaxInterval: a.cfg.Await.MaxInterval.Duration,
		Timeout:     a.cfg.Await.Timeout.Duration,
	}
}

func (a *app) Close() {
	a.streams.Close()
	a.webhooks.Wait()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}
