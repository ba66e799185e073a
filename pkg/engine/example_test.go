package engine_test

import (
	"context"
	"fmt"

	"github.com/stagehand/stagehand/pkg/engine"
)

type scaleExecutor struct{}

func (scaleExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	return &engine.ApplyResult{
		Success:      true,
		RollbackInfo: []byte(`{"replicas":4}`),
		Changes: []engine.Change{
			{Resource: req.Proposal.TargetResourceID, Path: "spec.replicas", Before: 4, After: 2},
		},
	}, nil
}

func (scaleExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	return &engine.RollbackResult{Success: true}, nil
}

// Example_execution submits a low-risk proposal and waits for it to finish.
func Example_execution() {
	registry, err := engine.NewRegistry(map[engine.ActionType]engine.Executor{
		engine.ActionRightsize: scaleExecutor{},
	}, engine.RegistryOptions{})
	if err != nil {
		fmt.Println(err)
		return
	}

	eng, err := engine.New(engine.DefaultConfig(), engine.NewMemoryStore(), registry)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer eng.Shutdown(context.Background())

	id, err := eng.Submit(context.Background(), &engine.Proposal{
		ID:               "prop-42",
		ActionType:       engine.ActionRightsize,
		TargetResourceID: "deploy/checkout",
		EstimatedImpact:  -80,
		RiskLevel:        engine.RiskLow,
	}, engine.SubmitOptions{User: "alice"})
	if err != nil {
		fmt.Println(err)
		return
	}

	exec, err := eng.Wait(context.Background(), id)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(exec.Status, len(exec.Changes))
	// Output: completed 1
}

// Example_errorHandling demonstrates error classification and handling.
func Example_errorHandling() {
	throttled := engine.NewThrottledError("API quota exhausted", nil).
		WithResource("deploy/checkout").
		WithOperation("apply")

	regression := engine.NewPermanentError("health dropped", nil).
		WithCode(engine.ErrCodeHealthRegression).
		WithDetail("percentage", 50)

	fmt.Println(engine.IsRetryable(throttled), engine.IsRetryable(regression))
	fmt.Println(engine.ErrorCode(regression))
	// Output:
	// true false
	// HEALTH_REGRESSION
}

// Example_statusValidation demonstrates status helpers.
func Example_statusValidation() {
	status := engine.StatusAwaitingApproval

	fmt.Println(status.Validate() == nil, status.IsTerminal(), status.CanCancel(), status.Progress())
	fmt.Println(engine.CanTransition(engine.StatusCompleted, engine.StatusRolledBack))
	fmt.Println(engine.ActionTerminate.IsDestructive())
	// Output:
	// true false true 20
	// true
	// true
}
