package commands

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/stagehand/stagehand/pkg/engine"
)

func newStatusCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show the status and log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				view, err := rt.engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), view)
				}
				renderStatus(cmd.OutOrStdout(), view)
				return nil
			})
		},
	}
}

func newListCommand(version string) *cobra.Command {
	var (
		statuses []string
		resource string
		active   bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Example: `  # Executions waiting for a decision
  stagehand list --status awaiting_approval

  # Everything that touched one workload
  stagehand list --resource k8s:prod/deployment/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.CheckpointFilter{TargetResourceID: resource, ActiveOnly: active, Limit: limit}
			for _, s := range statuses {
				status := engine.ExecutionStatus(s)
				if err := status.Validate(); err != nil {
					return engine.NewValidationError(err.Error())
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				execs, err := rt.engine.List(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), execs)
				}
				renderExecutions(cmd.OutOrStdout(), execs)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only show executions in these states")
	cmd.Flags().StringVar(&resource, "resource", "", "only show executions targeting this resource")
	cmd.Flags().BoolVar(&active, "active", false, "only show executions that are still in progress")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of executions")

	return cmd
}
