package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/executors/gcs"
	"github.com/stagehand/stagehand/pkg/executors/kubernetes"
	"github.com/stagehand/stagehand/pkg/executors/remote"
	"github.com/stagehand/stagehand/pkg/policy"
	"github.com/stagehand/stagehand/pkg/probes"
	"github.com/stagehand/stagehand/pkg/stores"
	"github.com/stagehand/stagehand/pkg/telemetry"
)

// runtime is everything a command needs to drive executions: the loaded
// configuration, telemetry, the checkpoint store and an engine wired to the
// executors enabled in the configuration.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  stores.Backend
	policy *policy.Engine
	router *probes.Router
	engine *engine.Engine
	logger zerolog.Logger

	closers []func() error
}

func openRuntime(ctx context.Context, version string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// Command output owns stdout.
	telCfg := cfg.TelemetryConfig(version)
	telCfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}

	if err := rt.build(ctx); err != nil {
		rt.close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context) error {
	store, err := stores.Open(ctx, rt.cfg.StoreOptions())
	if err != nil {
		return err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	opts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithEventSink(engine.MultiSink{rt.tel.Sink(), stores.NewJournalSink(store, rt.logger)}),
	}

	if rt.cfg.Policy.Enabled {
		pol, err := rt.buildPolicy(ctx)
		if err != nil {
			return err
		}
		rt.policy = pol
		opts = append(opts, engine.WithPolicy(pol))
	}

	if rt.cfg.Rollout.StageScript != "" {
		evaluator := config.NewStarlarkEvaluator(rt.cfg.Rollout.StageScriptTimeout)
		script, err := evaluator.LoadStageScript(rt.cfg.Rollout.StageScript)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithStageParameters(script.Func()))
	}

	executors, err := rt.buildExecutors(ctx)
	if err != nil {
		return err
	}
	opts = append(opts, engine.WithHealthProbe(rt.router), engine.WithResourceChecker(rt.router))

	registry, err := engine.NewRegistry(executors, rt.cfg.RegistryOptions(rt.tel.Recorder()))
	if err != nil {
		return err
	}

	eng, err := engine.New(rt.cfg.EngineConfig(), store, registry, opts...)
	if err != nil {
		return err
	}
	rt.engine = eng
	return nil
}

func (rt *runtime) buildPolicy(ctx context.Context) (*policy.Engine, error) {
	events := rt.tel.Events
	pol, err := policy.NewEngine(rt.logger,
		policy.WithEnvironment(rt.cfg.Policy.Environment),
		policy.WithViolationHandler(func(executionID, resourceID string, v policy.PolicyViolation) {
			if err := events.PublishPolicyViolation(executionID, resourceID, v.Policy, v.Message); err != nil {
				rt.logger.Debug().Err(err).Str("policy", v.Policy).Msg("Policy violation event not published")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := pol.SetLimits(ctx, rt.cfg.PolicyLimits()); err != nil {
		return nil, err
	}
	if len(rt.cfg.Policy.Paths) > 0 {
		if err := pol.LoadPolicies(ctx, rt.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pol, nil
}

// buildExecutors creates the executors, checkers and probes for every
// enabled backend. Prometheus, when enabled, is the default probe; without
// it Kubernetes targets fall back to the ready-replica probe.
func (rt *runtime) buildExecutors(ctx context.Context) (map[engine.ActionType]engine.Executor, error) {
	cfg := rt.cfg
	executors := make(map[engine.ActionType]engine.Executor)
	router := probes.NewRouter()
	rt.router = router

	if cfg.Kubernetes.Enabled {
		k8s, err := kubernetes.NewClientFromConfig(kubernetes.Config{
			Kubeconfig: cfg.Kubernetes.Kubeconfig,
			Context:    cfg.Kubernetes.Context,
			QPS:        cfg.Kubernetes.QPS,
			Burst:      cfg.Kubernetes.Burst,
		}, rt.logger)
		if err != nil {
			return nil, err
		}
		executors[engine.ActionRightsize] = kubernetes.NewRightsizeExecutor(k8s)
		executors[engine.ActionAutoscale] = kubernetes.NewAutoscaleExecutor(k8s)
		executors[engine.ActionHibernate] = kubernetes.NewHibernateExecutor(k8s)
		executors[engine.ActionTerminate] = kubernetes.NewTerminateExecutor(k8s)
		executors[engine.ActionSpotMigrate] = kubernetes.NewSpotMigrateExecutor(k8s, cfg.Kubernetes.SpotNodeSelector, cfg.Kubernetes.SpotToleration)
		router.HandleChecker(kubernetes.Scheme, kubernetes.NewChecker(k8s))
		if !cfg.Prometheus.Enabled {
			router.HandleProbe(kubernetes.Scheme, kubernetes.NewReadinessProbe(k8s))
		}
	}

	if cfg.Remote.Enabled {
		sshCfg := remote.DefaultConfig(cfg.Remote.User)
		if cfg.Remote.Port > 0 {
			sshCfg.Port = cfg.Remote.Port
		}
		if cfg.Remote.PrivateKeyPath != "" {
			sshCfg.PrivateKeyPath = cfg.Remote.PrivateKeyPath
		}
		if cfg.Remote.KnownHostsPath != "" {
			sshCfg.KnownHostsPath = cfg.Remote.KnownHostsPath
		}
		if cfg.Remote.ConnectionTimeout > 0 {
			sshCfg.ConnectionTimeout = cfg.Remote.ConnectionTimeout
		}
		if cfg.Remote.CommandTimeout > 0 {
			sshCfg.CommandTimeout = cfg.Remote.CommandTimeout
		}
		sshCfg.StrictHostKeyChecking = cfg.Remote.StrictHostKeyChecking
		sshCfg.UseSudo = cfg.Remote.UseSudo
		if pass := os.Getenv("STAGEHAND_SSH_PASSWORD"); pass != "" && cfg.Remote.PrivateKeyPath == "" {
			sshCfg.AuthMethod = remote.AuthMethodPassword
			sshCfg.Password = pass
		}

		dialer, err := remote.NewSSHDialer(sshCfg, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("invalid remote configuration: %w", err)
		}
		executors[engine.ActionConfigFix] = remote.NewConfigFixExecutor(dialer, rt.logger)
		router.HandleChecker(remote.Scheme, remote.NewChecker(dialer))
	}

	if cfg.GCS.Enabled {
		buckets, err := gcs.NewStorageBuckets(ctx, cfg.GCS.CredentialsFile)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, buckets.Close)
		executors[engine.ActionStorageOptimize] = gcs.NewOptimizeExecutor(buckets, rt.logger)
		router.HandleChecker(gcs.Scheme, gcs.NewChecker(buckets))
	}

	if cfg.Prometheus.Enabled {
		probe, err := probes.NewPrometheusProbe(probes.PrometheusConfig{
			Address: cfg.Prometheus.Address,
			Query:   cfg.Prometheus.Query,
			Timeout: cfg.Prometheus.Timeout,
		}, rt.logger)
		if err != nil {
			return nil, err
		}
		router.SetDefaultProbe(probe)
	}

	rt.logger.Debug().
		Int("executors", len(executors)).
		Strs("schemes", router.Schemes()).
		Msg("Executors configured")
	return executors, nil
}

// close stops the engine and releases the store and telemetry. Executions
// still running are left checkpointed for the next serve or recover.
func (rt *runtime) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if rt.engine != nil {
		if err := rt.engine.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn().Err(err).Msg("Engine shutdown incomplete")
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	if err := rt.tel.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}

// withRuntime opens a runtime, runs fn and closes the runtime afterwards.
func withRuntime(ctx context.Context, version string, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := openRuntime(ctx, version)
	if err != nil {
		return err
	}
	defer rt.close(ctx)
	return fn(rt.tel.WithContext(ctx), rt)
}

// traced runs an operator request on one execution inside its own span.
func traced(ctx context.Context, operation, executionID string, fn func(ctx context.Context) error) error {
	ctx = telemetry.WithExecutionContext(ctx, operation, executionID, actor)
	err := fn(ctx)
	telemetry.EndExecutionContext(ctx, err)
	return err
}

// proposalLogger returns the request logger scoped to one submitted proposal.
func proposalLogger(ctx context.Context, executionID string, p *engine.Proposal) *telemetry.Logger {
	return telemetry.FromContext(ctx).
		WithExecutionID(executionID).
		WithAction(string(p.ActionType)).
		WithResourceID(p.TargetResourceID).
		WithField("proposal_id", p.ID)
}

// audit records an operator action in the store's audit trail.
func (rt *runtime) audit(ctx context.Context, action, executionID string, details string) {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if executionID != "" {
		entry.ExecutionID = &executionID
	}
	if details != "" {
		entry.Details = &details
	}
	if err := rt.store.CreateAuditEntry(ctx, entry); err != nil {
		rt.logger.Warn().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
