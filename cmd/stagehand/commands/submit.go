package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/stores"
)

func newSubmitCommand(version string) *cobra.Command {
	var (
		file        string
		dryRun      bool
		autoApprove bool
		force       bool
		noWait      bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit change proposals for execution",
		Long: `Submit one or more proposals from a YAML, JSON or CUE file.

Each proposal becomes a checkpointed execution. By default the command waits
until every execution completes, fails or stops for approval. Executions
interrupted by exiting are resumed by "stagehand recover" or "stagehand serve".`,
		Example: `  # Submit and wait for the result
  stagehand submit -f rightsize.yaml

  # Validate and plan without touching anything
  stagehand submit -f rightsize.yaml --dry-run

  # Skip the approval gate for high-impact proposals
  stagehand submit -f proposals.yaml --auto-approve

  # Apply even though the existence check or a policy failed
  stagehand submit -f fix.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			proposals, err := config.NewLoader().LoadProposals(file)
			if err != nil {
				return err
			}

			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				opts := engine.SubmitOptions{DryRun: dryRun, AutoApprove: autoApprove, Force: force, User: actor}

				ids := make([]string, 0, len(proposals))
				for _, p := range proposals {
					id, err := rt.engine.Submit(ctx, p, opts)
					if err != nil {
						return fmt.Errorf("failed to submit proposal %s: %w", p.ID, err)
					}
					rt.audit(ctx, stores.AuditSubmitted, id, p.ID)
					proposalLogger(ctx, id, p).Info("Proposal submitted")
					ids = append(ids, id)
				}

				if noWait {
					execs, err := loadAll(ctx, rt, ids)
					if err != nil {
						return err
					}
					return report(cmd, execs, false)
				}

				waitCtx := ctx
				if timeout > 0 {
					var cancel context.CancelFunc
					waitCtx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				execs, err := waitAll(waitCtx, rt, ids)
				if err != nil {
					return err
				}
				return report(cmd, execs, true)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "proposal file (YAML, JSON or CUE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and plan without side effects")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval gate")
	cmd.Flags().BoolVar(&force, "force", false, "proceed past failed existence and policy checks (conflicts and missing executors still fail)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submitting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait for executions (0 waits forever)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// waitAll waits for each execution to finish or stop for approval.
func waitAll(ctx context.Context, rt *runtime, ids []string) ([]*engine.Execution, error) {
	execs := make([]*engine.Execution, 0, len(ids))
	for _, id := range ids {
		x, err := rt.engine.Wait(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("waiting for execution %s: %w", id, err)
		}
		execs = append(execs, x)
	}
	return execs, nil
}

func loadAll(ctx context.Context, rt *runtime, ids []string) ([]*engine.Execution, error) {
	execs := make([]*engine.Execution, 0, len(ids))
	for _, id := range ids {
		x, err := rt.engine.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, x)
	}
	return execs, nil
}

// report prints executions and, when final is set, fails if any of them
// ended unsuccessfully.
func report(cmd *cobra.Command, execs []*engine.Execution, final bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, execs); err != nil {
			return err
		}
	} else {
		renderExecutions(out, execs)
	}
	if !final {
		return nil
	}

	var failed []string
	for _, x := range execs {
		switch x.Status {
		case engine.StatusCompleted:
		case engine.StatusAwaitingApproval:
			if !jsonOutput {
				fmt.Fprintf(out, "Execution %s is awaiting approval: stagehand approve %s\n", x.ID, x.ID)
			}
		default:
			failed = append(failed, x.ID)
		}
	}
	if len(failed) > 0 {
		return &executionFailedError{ids: failed}
	}
	return nil
}
