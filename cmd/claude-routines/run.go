package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/executions"
	"github.com/kylemclaren/claude-routines/internal/tui"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		wait  bool
		agent bool
	)
	cmd := &cobra.Command{
		Use:   "run <routine-id>",
		Short: "Trigger a routine (or with --agent, an agent) now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var e *db.Execution
			if agent {
				e, err = a.scheduler.RunModule(ctx, owner, id)
			} else {
				e, err = a.scheduler.RunRoutine(ctx, owner, id)
			}
			if err != nil {
				if executions.IsActive(err) {
					return fmt.Errorf("an execution is already pending or running for %d", id)
				}
				return err
			}
			fmt.Printf("Execution %d created\n", e.ID)

			// an in-process runtime dies with this process, so it is always waited for
			if a.command != nil {
				a.command.Wait()
			} else if !wait {
				return nil
			}

			final, err := a.executions.Await(ctx, owner, e.ID, a.awaitOptions())
			if errors.Is(err, executions.ErrAwaitTimeout) {
				fmt.Printf("Execution %d still %s, giving up waiting\n", e.ID, final.Status)
				return err
			}
			if err != nil {
				return err
			}
			printOutcome(final)
			if final.Status == db.ExecutionFailed {
				return fmt.Errorf("execution %d failed", final.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the execution to finish")
	cmd.Flags().BoolVar(&agent, "agent", false, "treat the id as an agent and run it directly")
	return cmd
}

func printOutcome(e *db.Execution) {
	fmt.Printf("Execution %d %s", e.ID, e.Status)
	if e.DurationMs != nil {
		fmt.Printf(" in %dms", *e.DurationMs)
	}
	if e.CostUSD != nil {
		fmt.Printf(", cost $%.4f", *e.CostUSD)
	}
	fmt.Println()
	if e.ErrorMessage != nil {
		fmt.Printf("Error: %s\n", *e.ErrorMessage)
	}
}

func watchCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "watch <execution-id>",
		Short: "Tail an execution's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			go func() { _ = a.runRelay(ctx) }()

			e, err := a.executions.Get(ctx, owner, id)
			if err != nil {
				return err
			}
			sub, err := a.streams.SubscribeExecution(ctx, owner, id, since)
			if err != nil {
				return err
			}
			defer a.streams.Unsubscribe(sub)

			outcome, err := tui.Watch(ctx, fmt.Sprintf("%s #%d", e.Parent(), e.ID), e, sub)
			if err != nil {
				return err
			}
			if outcome != nil && outcome.Status == db.ExecutionFailed {
				fmt.Printf("Execution %d failed: %s\n", outcome.ExecutionID, outcome.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "resume after this log line id")
	return cmd
}
