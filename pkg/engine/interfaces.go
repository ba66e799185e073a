package engine

import (
	"context"
	"time"
)

// Executor applies and reverts one action type.
// Implementations must treat ApplyRequest.IdempotencyKey as an idempotency
// key: an execution that crashed mid-apply may be applied again on resume.
type Executor interface {
	// Apply performs the change, or validates it without side effects when DryRun is set.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// Rollback reverts a change using the rollback info captured by Apply.
	Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error)
}

// StagedExecutor is an executor that can apply a change to a percentage of
// the target at a time.
type StagedExecutor interface {
	Executor

	// ApplyStage brings the change to the given cumulative percentage.
	ApplyStage(ctx context.Context, req StageRequest) (*ApplyResult, error)
}

// HealthProbe reads a health score in [0, 100] for a resource.
type HealthProbe interface {
	ReadHealth(ctx context.Context, resourceID string) (float64, error)
}

// ResourceChecker reports whether a target resource exists.
type ResourceChecker interface {
	Exists(ctx context.Context, resourceID string) (bool, error)
}

// CheckpointStore persists executions with optimistic versioning.
type CheckpointStore interface {
	// Put writes cp with version expectedVersion+1. expectedVersion 0 creates
	// the checkpoint. A stale expectedVersion fails with a checkpoint conflict.
	Put(ctx context.Context, cp *Checkpoint, expectedVersion int64) (int64, error)

	// Get returns the latest checkpoint, or a NOT_FOUND error.
	Get(ctx context.Context, executionID string) (*Checkpoint, error)

	// List returns checkpoints matching the filter ordered by creation time.
	List(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error)

	// Close releases resources held by the store.
	Close() error
}

// PolicyEvaluator checks a proposal against organisational constraints.
type PolicyEvaluator interface {
	EvaluateProposal(ctx context.Context, exec *Execution) (*PolicyDecision, error)
}

// PolicyDecision is the outcome of a policy evaluation.
type PolicyDecision struct {
	Allowed    bool
	Violations []PolicyViolation
}

// PolicyViolation is a single failed policy rule.
type PolicyViolation struct {
	Policy   string
	Message  string
	Severity string
}

// StageParameterFunc computes the executor parameters for one rollout stage.
type StageParameterFunc func(ctx context.Context, proposal *Proposal, percentage int) (map[string]interface{}, error)

// EventSink receives lifecycle notifications.
type EventSink interface {
	// PublishTransition is called after every persisted status change.
	PublishTransition(ctx context.Context, exec *Execution, from ExecutionStatus)

	// PublishResult is called once per terminal transition.
	PublishResult(ctx context.Context, result *ExecutionResult)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// PublishTransition implements EventSink.
func (m MultiSink) PublishTransition(ctx context.Context, exec *Execution, from ExecutionStatus) {
	for _, s := range m {
		s.PublishTransition(ctx, exec, from)
	}
}

// PublishResult implements EventSink.
func (m MultiSink) PublishResult(ctx context.Context, result *ExecutionResult) {
	for _, s := range m {
		s.PublishResult(ctx, result)
	}
}

// CallRecorder observes executor calls made through the resilience layer.
type CallRecorder interface {
	RecordExecutorCall(action ActionType, operation string, duration time.Duration, err error)
	RecordRetry(action ActionType, attempt int)
	RecordBreakerState(action ActionType, state BreakerState)
}

// Sleeper waits for d or until ctx is done. Tests substitute a fake clock.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the default Sleeper.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopSink struct{}

func (nopSink) PublishTransition(context.Context, *Execution, ExecutionStatus) {}
func (nopSink) PublishResult(context.Context, *ExecutionResult)                 {}

type nopRecorder struct{}

func (nopRecorder) RecordExecutorCall(ActionType, string, time.Duration, error) {}
func (nopRecorder) RecordRetry(ActionType, int)                                 {}
func (nopRecorder) RecordBreakerState(ActionType, BreakerState)                 {}
