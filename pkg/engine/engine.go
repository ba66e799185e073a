package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config configures the execution engine.
type Config struct {
	// ApprovalThreshold is the absolute estimated impact above which approval is required.
	ApprovalThreshold float64

	// ApprovalTimeout fails executions left awaiting approval for longer. Zero waits forever.
	ApprovalTimeout time.Duration

	// Retry controls executor call retries.
	Retry RetryPolicy

	// Rollout controls staged rollouts.
	Rollout RolloutConfig

	// RecoverConcurrency bounds how many checkpoints Recover decodes at once.
	RecoverConcurrency int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold:  1000,
		Retry:              DefaultRetryPolicy(),
		Rollout:            DefaultRolloutConfig(),
		RecoverConcurrency: 8,
	}
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHealthProbe sets the probe used by staged rollouts.
func WithHealthProbe(probe HealthProbe) Option {
	return func(e *Engine) { e.probe = probe }
}

// WithResourceChecker sets the existence checker used during validation.
func WithResourceChecker(checker ResourceChecker) Option {
	return func(e *Engine) { e.checker = checker }
}

// WithPolicy sets the policy evaluator used during validation.
func WithPolicy(policy PolicyEvaluator) Option {
	return func(e *Engine) { e.policy = policy }
}

// WithEventSink sets the receiver of transition and result events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithStageParameters sets the function computing per-stage executor parameters.
func WithStageParameters(fn StageParameterFunc) Option {
	return func(e *Engine) { e.stageParams = fn }
}

// WithSleeper replaces the function used for backoff and monitoring waits.
func WithSleeper(sleep Sleeper) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

var errStale = errors.New("execution state changed concurrently")

// Engine drives executions through the state machine. Every transition is
// checkpointed before the next action so that a restarted process can
// resume any execution with Recover.
type Engine struct {
	config   Config
	store    CheckpointStore
	registry *Registry

	validator *Validator
	rollbacks *RollbackManager
	rollout   *RolloutController

	probe       HealthProbe
	checker     ResourceChecker
	policy      PolicyEvaluator
	sink        EventSink
	stageParams StageParameterFunc
	sleep       Sleeper
	now         func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// admit serialises execution creation so creation order is total.
	admit       sync.Mutex
	lastCreated time.Time

	mu          sync.Mutex
	closed      bool
	locks       map[string]*sync.Mutex
	drives      map[string]*driveState
	timers      map[string]*time.Timer
	watches     map[string]chan struct{}
	rollingBack map[string]bool
}

type driveState struct {
	again bool
}

// New creates an engine over a checkpoint store and executor registry.
func New(cfg Config, store CheckpointStore, registry *Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, NewConfigurationError("checkpoint store is required")
	}
	if registry == nil {
		return nil, NewConfigurationError("executor registry is required")
	}
	if err := cfg.Rollout.Validate(); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid rollout config: %v", err))
	}
	if cfg.RecoverConcurrency <= 0 {
		cfg.RecoverConcurrency = 1
	}

	e := &Engine{
		config:      cfg,
		store:       store,
		registry:    registry,
		sink:        nopSink{},
		sleep:       sleepContext,
		now:         time.Now,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("github.com/stagehand/stagehand/pkg/engine"),
		locks:       make(map[string]*sync.Mutex),
		drives:      make(map[string]*driveState),
		timers:      make(map[string]*time.Timer),
		watches:     make(map[string]chan struct{}),
		rollingBack: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.validator = NewValidator(ValidatorConfig{ApprovalThreshold: cfg.ApprovalThreshold},
		registry, e.checker, store, e.policy)
	e.rollbacks = NewRollbackManager(registry, e.logger)
	e.rollout = NewRolloutController(cfg.Rollout, e.probe, e.stageParams, e.logger)
	return e, nil
}

// Submit accepts a proposal, checkpoints a new pending execution and starts
// driving it in the background. It returns the execution ID immediately.
// Structurally invalid proposals are rejected before anything is persisted.
func (e *Engine) Submit(ctx context.Context, proposal *Proposal, opts SubmitOptions) (string, error) {
	if err := proposal.Validate(); err != nil {
		return "", err
	}
	if e.isClosed() {
		return "", NewPermanentError("engine is shut down", nil).WithCode(ErrCodeInternal)
	}

	exec := &Execution{
		ID:          uuid.New().String(),
		ProposalID:  proposal.ID,
		Proposal:    proposal.Clone(),
		Status:      StatusPending,
		DryRun:      opts.DryRun,
		AutoApprove: opts.AutoApprove,
		Force:       opts.Force,
		SubmittedBy: opts.User,
	}

	e.admit.Lock()
	now := e.now().UTC()
	if !now.After(e.lastCreated) {
		now = e.lastCreated.Add(time.Nanosecond)
	}
	e.lastCreated = now
	exec.CreatedAt = now
	exec.Appendf(LogLevelInfo, "Execution submitted for proposal %s (%s on %s, dry_run=%t)",
		proposal.ID, proposal.ActionType, proposal.TargetResourceID, opts.DryRun)
	err := e.save(ctx, exec, "", false)
	e.admit.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to checkpoint execution: %w", err)
	}

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("proposal_id", proposal.ID).
		Str("resource_id", proposal.TargetResourceID).
		Str("action", string(proposal.ActionType)).
		Bool("dry_run", opts.DryRun).
		Msg("Execution submitted")

	e.startDrive(exec.ID)
	return exec.ID, nil
}

// Get returns the latest persisted execution.
func (e *Engine) Get(ctx context.Context, executionID string) (*Execution, error) {
	return e.load(ctx, executionID)
}

// GetStatus returns the status view of an execution.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*StatusView, error) {
	exec, err := e.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ExecutionID:  exec.ID,
		ProposalID:   exec.ProposalID,
		Status:       exec.Status,
		Progress:     exec.Status.Progress(),
		CanCancel:    exec.Status.CanCancel(),
		CanRollback:  canRollback(exec),
		CurrentStage: exec.CurrentStage,
		Stages:       exec.Stages,
		Error:        exec.Error,
		Log:          exec.Log,
		Version:      exec.Version,
		UpdatedAt:    exec.UpdatedAt,
	}, nil
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, filter CheckpointFilter) ([]*Execution, error) {
	cps, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(cps))
	for _, cp := range cps {
		exec, err := cp.Execution()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// Cancel cancels an execution that has not started applying yet.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	_, err := e.update(ctx, executionID, func(x *Execution) error {
		if !x.Status.CanCancel() {
			return NewPermanentError(fmt.Sprintf("execution in state %s cannot be cancelled", x.Status), nil).
				WithCode(ErrCodeNotCancellable).
				WithResource(executionID)
		}
		x.ApprovalDeadline = nil
		return e.transition(x, StatusCancelled, LogLevelWarn, "Execution cancelled")
	})
	if err != nil {
		return err
	}
	e.stopTimer(executionID)
	e.logger.Info().Str("execution_id", executionID).Msg("Execution cancelled")
	return nil
}

// Approve releases an execution awaiting approval.
func (e *Engine) Approve(ctx context.Context, executionID, approver string) error {
	_, err := e.update(ctx, executionID, func(x *Execution) error {
		if x.Status != StatusAwaitingApproval {
			return invalidTransition(executionID, x.Status, StatusApproved)
		}
		x.ApprovedBy = approver
		x.ApprovalDeadline = nil
		return e.transition(x, StatusApproved, LogLevelInfo, "Approved by %s", approver)
	})
	if err != nil {
		return err
	}
	e.stopTimer(executionID)
	e.logger.Info().Str("execution_id", executionID).Str("approver", approver).Msg("Execution approved")
	e.startDrive(executionID)
	return nil
}

// Reject fails an execution awaiting approval without any side effect.
func (e *Engine) Reject(ctx context.Context, executionID, approver, reason string) error {
	_, err := e.update(ctx, executionID, func(x *Execution) error {
		if x.Status != StatusAwaitingApproval {
			return invalidTransition(executionID, x.Status, StatusFailed)
		}
		x.ApprovalDeadline = nil
		msg := fmt.Sprintf("rejected by %s", approver)
		if reason != "" {
			msg += ": " + reason
		}
		e.markFailed(x, NewPermanentError(msg, nil).WithCode(ErrCodeApprovalRejected), false)
		return nil
	})
	if err != nil {
		return err
	}
	e.stopTimer(executionID)
	e.logger.Info().Str("execution_id", executionID).Str("approver", approver).Msg("Execution rejected")
	return nil
}

// Rollback reverts a completed or failed execution on demand. Each execution
// is rolled back at most once, whether automatically or manually.
func (e *Engine) Rollback(ctx context.Context, executionID string) (*RollbackResult, error) {
	e.mu.Lock()
	if e.rollingBack[executionID] {
		e.mu.Unlock()
		return nil, NewConflictError("rollback already in progress", nil).WithResource(executionID)
	}
	e.rollingBack[executionID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.rollingBack, executionID)
		e.mu.Unlock()
	}()

	exec, err := e.update(ctx, executionID, func(x *Execution) error {
		switch {
		case !x.Status.CanRollback() || x.RollbackPending:
			return invalidTransition(executionID, x.Status, StatusRolledBack)
		case x.RollbackAttempted:
			return NewPermanentError("rollback was already attempted", nil).
				WithCode(ErrCodeRollbackFailed).WithResource(executionID)
		case x.DryRun:
			return NewPermanentError("dry-run executions have nothing to roll back", nil).
				WithCode(ErrCodeValidation).WithResource(executionID)
		case len(x.RollbackInfo) == 0:
			return NewPermanentError("no rollback information recorded", nil).
				WithCode(ErrCodeRollbackFailed).WithResource(executionID)
		}
		x.RollbackPending = true
		x.RollbackAttempted = true
		x.Appendf(LogLevelWarn, "Manual rollback requested")
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, rerr := e.rollbacks.Rollback(context.WithoutCancel(ctx), exec)
	if _, err := e.update(ctx, executionID, func(x *Execution) error {
		if !x.RollbackPending || !x.RollbackAttempted {
			return errStale
		}
		return e.finishRollback(x, result, rerr)
	}); err != nil {
		return result, err
	}
	if rerr != nil {
		return result, rerr
	}
	return result, nil
}

// Wait blocks until the execution is terminal, suspended awaiting approval,
// or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (*Execution, error) {
	for {
		ch := e.watch(executionID)
		exec, err := e.load(ctx, executionID)
		if err != nil {
			return nil, err
		}
		driving := e.isDriving(executionID)
		switch {
		case exec.IsTerminal():
			return exec, nil
		case exec.Status == StatusAwaitingApproval && !driving:
			return exec, nil
		case !driving && e.isClosed():
			return exec, NewTransientError(fmt.Sprintf("execution is suspended in state %s", exec.Status), nil).
				WithResource(executionID)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover resumes every non-terminal execution found in the checkpoint store.
// It returns the number of executions resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cps, err := e.store.List(ctx, CheckpointFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list active checkpoints: %w", err)
	}

	var resumed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.config.RecoverConcurrency)
	for _, cp := range cps {
		cp := cp
		g.Go(func() error {
			exec, err := cp.Execution()
			if err != nil {
				return err
			}
			e.logger.Info().
				Str("execution_id", exec.ID).
				Str("status", string(exec.Status)).
				Int64("version", exec.Version).
				Msg("Resuming execution")
			e.startDrive(exec.ID)
			resumed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(resumed.Load()), err
}

// Shutdown stops driving executions at their next suspension boundary and
// waits for in-flight executor calls to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves x to a new status and logs the change.
func (e *Engine) transition(x *Execution, to ExecutionStatus, level LogLevel, format string, args ...interface{}) error {
	if !CanTransition(x.Status, to) {
		return invalidTransition(x.ID, x.Status, to)
	}
	x.Status = to
	x.Appendf(level, format, args...)
	return nil
}

// update loads the latest checkpoint, applies fn and writes the result back
// under the execution's lock. An error from fn leaves the checkpoint untouched.
func (e *Engine) update(ctx context.Context, id string, fn func(x *Execution) error) (*Execution, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	x, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from, wasTerminal := x.Status, x.IsTerminal()
	if err := fn(x); err != nil {
		return x, err
	}
	if err := e.save(ctx, x, from, wasTerminal); err != nil {
		return nil, err
	}
	return x, nil
}

// save writes x at version x.Version+1 and publishes events.
func (e *Engine) save(ctx context.Context, x *Execution, from ExecutionStatus, wasTerminal bool) error {
	x.UpdatedAt = e.now().UTC()
	finished := x.IsTerminal() && !wasTerminal
	if finished {
		completed := x.UpdatedAt
		x.CompletedAt = &completed
	}

	cp, err := NewCheckpoint(x)
	if err != nil {
		return err
	}
	version, err := e.store.Put(ctx, cp, x.Version)
	if err != nil {
		return err
	}
	x.Version = version

	if from != x.Status {
		e.logger.Debug().
			Str("execution_id", x.ID).
			Str("from", string(from)).
			Str("to", string(x.Status)).
			Int64("version", version).
			Msg("Execution transitioned")
		e.sink.PublishTransition(ctx, x, from)
	}
	if finished {
		e.logger.Info().
			Str("execution_id", x.ID).
			Str("status", string(x.Status)).
			Msg("Execution finished")
		e.sink.PublishResult(ctx, NewExecutionResult(x))
	}
	e.notify(x.ID)
	return nil
}

func (e *Engine) load(ctx context.Context, id string) (*Execution, error) {
	cp, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return cp.Execution()
}

func (e *Engine) retryLogger(ctx context.Context, id string, action ActionType) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		e.registry.recorder.RecordRetry(action, attempt)
		e.logger.Warn().Err(err).Str("execution_id", id).Int("attempt", attempt).Dur("backoff", wait).Msg("Retrying executor call")
		if _, uerr := e.update(ctx, id, func(x *Execution) error {
			x.RetryCount++
			x.Appendf(LogLevelWarn, "Retrying after failure (attempt %d/%d, backoff %s): %v",
				attempt, e.config.Retry.MaxAttempts, wait.Round(time.Millisecond), err)
			return nil
		}); uerr != nil {
			e.logger.Error().Err(uerr).Str("execution_id", id).Msg("Failed to record retry")
		}
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) armTimer(id string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		e.startDrive(id)
	})
}

func (e *Engine) stopTimer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) watch(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.watches[id]
	if !ok {
		ch = make(chan struct{})
		e.watches[id] = ch
	}
	return ch
}

func (e *Engine) notify(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.watches[id]; ok {
		close(ch)
		delete(e.watches, id)
	}
}

func (e *Engine) isDriving(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.drives[id]
	return ok
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func expect(x *Execution, status ExecutionStatus) error {
	if x.Status != status {
		return errStale
	}
	return nil
}

func expectApply(x *Execution) error {
	if x.Status != StatusExecuting || x.Applied {
		return errStale
	}
	return nil
}

func expectStage(x *Execution, idx int) error {
	if (x.Status != StatusExecuting && x.Status != StatusMonitoring) || !x.Applied || x.StageIndex != idx {
		return errStale
	}
	return nil
}

func invalidTransition(id string, from, to ExecutionStatus) *EngineError {
	return NewPermanentError(fmt.Sprintf("cannot move from %s to %s", from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(id)
}

// applyFailure keeps coded engine errors and wraps anything else as an apply failure.
func applyFailure(err error, resourceID string) error {
	if ErrorCode(err) != ErrCodeInternal {
		return err
	}
	var e *EngineError
	if errors.As(err, &e) {
		return &EngineError{Class: e.Class, Message: e.Message, Code: ErrCodeApplyFailed, Resource: resourceID, Err: e.Err}
	}
	return NewPermanentError("apply failed", err).WithCode(ErrCodeApplyFailed).WithResource(resourceID)
}

func canRollback(x *Execution) bool {
	return x.Status.CanRollback() && !x.RollbackAttempted && !x.RollbackPending &&
		!x.DryRun && len(x.RollbackInfo) > 0
}

func dryRunSuffix(x *Execution) string {
	if x.DryRun {
		return " (dry run)"
	}
	return ""
}
