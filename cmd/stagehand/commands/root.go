package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stagehand/stagehand/pkg/engine"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	actor      string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status: 2 for invalid
// input or configuration, 3 for executions that did not succeed, 1 otherwise.
func ExitCode(err error) int {
	var failed *executionFailedError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &failed):
		return 3
	case engine.HasCode(err, engine.ErrCodeValidation), engine.HasCode(err, engine.ErrCodeConfiguration):
		return 2
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Stagehand - safe execution of infrastructure change proposals",
		Long: `Stagehand applies infrastructure change proposals safely.

Every proposal runs through a checkpointed state machine:
  - Validation against resource existence, conflicts and OPA policies
  - Human approval above the configured impact threshold
  - Staged rollout with health monitoring and automatic rollback
  - Retries, circuit breaking and rate limiting around every executor
  - Crash recovery from the durable checkpoint store`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "user", defaultActor(), "name recorded for submissions and decisions")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSubmitCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))
	rootCmd.AddCommand(newListCommand(version))
	rootCmd.AddCommand(newApproveCommand(version))
	rootCmd.AddCommand(newRejectCommand(version))
	rootCmd.AddCommand(newCancelCommand(version))
	rootCmd.AddCommand(newRollbackCommand(version))
	rootCmd.AddCommand(newRecoverCommand(version))
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
