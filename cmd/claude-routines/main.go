package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kylemclaren/claude-routines/internal/config"
	"github.com/kylemclaren/claude-routines/internal/log"
	"github.com/kylemclaren/claude-routines/internal/version"
	"github.com/spf13/cobra"
)

var (
	dataDir string
	owner   string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "claude-routines",
	Short: "Schedule agent routines, track their executions and stream their progress",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(dataDir)
		if err != nil {
			return err
		}
		log.SetLevel(cfg.Log.Level)
		log.SetFormat(cfg.Log.Format)
		log.GetLogger().Debugf("Using %s database %s", cfg.Database.Driver, cfg.Database.DSN)
		return nil
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

// requireOwner is used by commands that act on one owner's data
func requireOwner() error {
	if owner == "" {
		return errors.New("--owner is required")
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default $CLAUDE_ROUTINES_DATA or ~/.claude-routines)")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", os.Getenv("CLAUDE_ROUTINES_OWNER"), "owner whose data the command acts on")

	rootCmd.AddCommand(versionCmd, migrateCmd, serveCmd(), daemonCmd(), runCmd(), watchCmd(), tasksCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
