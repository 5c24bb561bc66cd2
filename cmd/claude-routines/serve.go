package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kylemclaren/claude-routines/internal/api"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.New(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Printf("Database migrated (%s)\n", database.Driver())
		return nil
	},
}

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, progress streams and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noScheduler {
				if err := a.scheduler.Start(ctx); err != nil {
					return fmt.Errorf("starting scheduler: %w", err)
				}
				defer a.scheduler.Stop()
			}

			server := api.NewServer(api.Deps{
				DB:         a.db,
				Executions: a.executions,
				Logs:       a.logs,
				Tasks:      a.tasks,
				Scheduler:  a.scheduler,
				Streams:    a.streams,
				Logger:     log.GetLogger(),
			})
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.GetLogger().Infof("claude-routines API listening on %s", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return a.runRelay(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				log.GetLogger().Info("Shutting down server")
				// open streams would otherwise hold Shutdown until its deadline
				a.streams.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only, for use next to a separate daemon")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler in the foreground (for services)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := filepath.Join(cfg.DataDir, "daemon.pid")
			if pid, running := isDaemonRunning(pidPath); running {
				return fmt.Errorf("daemon already running (PID %d)", pid)
			}
			if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
				return fmt.Errorf("writing PID file: %w", err)
			}
			defer os.Remove(pidPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.scheduler.Start(ctx); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}
			defer a.scheduler.Stop()

			log.GetLogger().Infof("claude-routines daemon started, PID %d", os.Getpid())
			<-ctx.Done()
			log.GetLogger().Info("Shutting down daemon")
			return nil
		},
	}
}

// isDaemonRunning checks if a daemon is running by reading PID file and checking process
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
