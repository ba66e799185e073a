package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/stores"
)

func newServeCommand(version string) *cobra.Command {
	var (
		inboxDir    string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		Long: `Run the orchestrator as a long-lived process.

On start it resumes every execution left unfinished in the checkpoint store.
It then serves metrics, reloads policies on change when policy.watch is set,
and submits proposal files dropped into the inbox directory.`,
		Example: `  # Resume work and accept proposals from a directory
  stagehand serve --config stagehand.yaml --inbox /var/lib/stagehand/inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				if err := rt.tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}

				if rt.policy != nil && rt.cfg.Policy.Watch && len(rt.cfg.Policy.Paths) > 0 {
					loader, err := rt.policy.Watch(ctx)
					if err != nil {
						return err
					}
					defer loader.StopWatching()
				}

				n, err := rt.engine.Recover(ctx)
				if err != nil {
					return fmt.Errorf("failed to recover executions: %w", err)
				}
				rt.tel.Metrics.SetActiveExecutions(float64(n))
				log.Info().Int("resumed", n).Msg("Recovered executions")

				if inboxDir == "" {
					<-ctx.Done()
					return nil
				}

				opts := engine.SubmitOptions{AutoApprove: autoApprove, User: actor}
				in := newInbox(inboxDir, func(ctx context.Context, p *engine.Proposal) (string, error) {
					id, err := rt.engine.Submit(ctx, p, opts)
					if err == nil {
						rt.audit(ctx, stores.AuditSubmitted, id, p.ID)
						proposalLogger(ctx, id, p).Info("Proposal submitted from inbox")
					}
					return id, err
				}, rt.logger)
				return in.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&inboxDir, "inbox", "", "directory watched for proposal files")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval gate for inbox proposals")

	return cmd
}

func newRecoverCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume unfinished executions and wait for them",
		Long: `Resume every execution left unfinished by a crash or an interrupted
command, then wait until each completes, fails or stops for approval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), version, func(ctx context.Context, rt *runtime) error {
				active, err := rt.engine.List(ctx, engine.CheckpointFilter{ActiveOnly: true})
				if err != nil {
					return err
				}
				n, err := rt.engine.Recover(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("resumed", n).Msg("Recovered executions")
				if len(active) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No unfinished executions")
					return nil
				}

				ids := make([]string, 0, len(active))
				for _, x := range active {
					ids = append(ids, x.ID)
				}
				execs, err := waitAll(ctx, rt, ids)
				if err != nil {
					return err
				}
				return report(cmd, execs, true)
			})
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [proposal-file...]",
		Short: "Validate the configuration and proposal files",
		Long: `Validate the configuration file and any proposal files against their
schemas without connecting to a store or executor.`,
		Example: `  stagehand validate --config stagehand.yaml
  stagehand validate --config stagehand.yaml proposals/*.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			if configPath != "" {
				if _, err := loader.LoadFile(configPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			}
			for _, path := range args {
				proposals, err := loader.LoadProposals(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d proposal(s) ok\n", path, len(proposals))
			}
			return nil
		},
	}
}
