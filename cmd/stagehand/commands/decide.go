package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/stores"
)

func newApproveCommand(version string) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Approve an execution awaiting approval",
		Long: `Approve an execution that stopped at the approval gate.

The approved execution is driven by this process, so by default the command
waits until it completes or fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				err := traced(ctx, "approve", id, func(ctx context.Context) error {
					return rt.engine.Approve(ctx, id, actor)
				})
				if err != nil {
					return err
				}
				rt.audit(ctx, stores.AuditApproved, id, "")
				log.Info().Str("execution_id", id).Str("approver", actor).Msg("Execution approved")

				if noWait {
					execs, err := loadAll(ctx, rt, []string{id})
					if err != nil {
						return err
					}
					return report(cmd, execs, false)
				}
				execs, err := waitAll(ctx, rt, []string{id})
				if err != nil {
					return err
				}
				return report(cmd, execs, true)
			})
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after approving")
	return cmd
}

func newRejectCommand(version string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <execution-id>",
		Short: "Reject an execution awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				err := traced(ctx, "reject", id, func(ctx context.Context) error {
					return rt.engine.Reject(ctx, id, actor, reason)
				})
				if err != nil {
					return err
				}
				rt.audit(ctx, stores.AuditRejected, id, reason)
				fmt.Fprintf(cmd.OutOrStdout(), "Execution %s rejected\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rejection")
	return cmd
}

func newCancelCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution that has not started applying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				err := traced(ctx, "cancel", id, func(ctx context.Context) error {
					return rt.engine.Cancel(ctx, id)
				})
				if err != nil {
					return err
				}
				rt.audit(ctx, stores.AuditCancelled, id, "")
				fmt.Fprintf(cmd.OutOrStdout(), "Execution %s cancelled\n", id)
				return nil
			})
		},
	}
}

func newRollbackCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <execution-id>",
		Short: "Roll back a completed or failed execution",
		Long: `Revert the changes of a completed or failed execution.

An execution is rolled back at most once. Resources the executor could not
restore are listed and the execution stays failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				var result *engine.RollbackResult
				err := traced(ctx, "rollback", id, func(ctx context.Context) error {
					var err error
					result, err = rt.engine.Rollback(ctx, id)
					return err
				})
				if result != nil {
					rt.audit(ctx, stores.AuditRolledBack, id, result.Message)
					if jsonOutput {
						if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
							return perr
						}
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Rollback of %s: %s\n", id, result.Message)
						for _, r := range result.Unreverted {
							fmt.Fprintf(cmd.OutOrStdout(), "  not reverted: %s\n", r)
						}
					}
				}
				return err
			})
		},
	}
}
