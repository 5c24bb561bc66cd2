package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/tasks"
	"github.com/spf13/cobra"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Review and move tasks through the approval workflow",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			return requireOwner()
		},
	}
	cmd.AddCommand(tasksListCmd(), tasksTransitionCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var (
		status     string
		assignedTo string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := db.TaskFilter{AssignedTo: assignedTo, Limit: limit}
			if status != "" {
				s, err := db.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.tasks.List(cmd.Context(), owner, filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tASSIGNED\tTITLE")
			for _, t := range list {
				assigned := "-"
				if t.AssignedTo != nil {
					assigned = *t.AssignedTo
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Status, assigned, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "only tasks assigned to this agent")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func tasksTransitionCmd() *cobra.Command {
	var tc tasks.Context
	cmd := &cobra.Command{
		Use:   "transition <task-id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			to, err := db.ParseTaskStatus(args[1])
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.tasks.Transition(cmd.Context(), owner, id, to, tc)
			if err != nil {
				return err
			}
			fmt.Printf("Task %d is now %s\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&tc.Actor, "actor", "", "who is making the change")
	cmd.Flags().StringVar(&tc.Reasoning, "reasoning", "", "approval or rejection reasoning")
	cmd.Flags().StringVar(&tc.AssignedTo, "assigned-to", "", "assignee, required for approval")
	cmd.Flags().Int64Var(&tc.ExecutionID, "execution", 0, "execution carrying out the task, required to start it")
	cmd.Flags().StringVar(&tc.Summary, "summary", "", "completion summary")
	cmd.Flags().StringVar(&tc.BlockedReason, "blocked-reason", "", "why the task is waiting")
	cmd.Flags().StringVar(&tc.Note, "note", "", "free-form note for the audit trail")
	return cmd
}
