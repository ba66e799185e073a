// Package engine provides the execution and staged-rollout orchestrator for Stagehand.
//
// # Overview
//
// Stagehand turns an accepted optimisation proposal into a controlled change
// against real infrastructure. Every proposal is driven through a checkpointed
// state machine:
//
//  1. Pending - The execution has been accepted and persisted
//  2. Validating - Preconditions, conflicts and policy are checked (Validator)
//  3. AwaitingApproval - A human must approve risky or large changes
//  4. Approved - The change is cleared to run
//  5. Executing - The executor applies the change (Executor)
//  6. Monitoring - A staged rollout is watching health between stages (RolloutController)
//  7. Completed, Failed, RolledBack or Cancelled - Terminal outcomes
//
// # Core Domain Types
//
//   - Proposal: The requested change on one target resource
//   - Execution: The attempt to carry out a proposal, with its log and stages
//   - RolloutStage: One canary step of a staged rollout
//   - Checkpoint: The versioned, persisted snapshot of an Execution
//   - ExecutionResult: The event emitted once an execution is terminal
//
// # Executor Interface
//
// Executors perform changes for one action type:
//
//	type Executor interface {
//	    Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
//	    Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error)
//	}
//
// Executors that can roll out gradually also implement StagedExecutor. The
// Registry wraps every executor with a circuit breaker and rate limiter.
//
// # Durability
//
// Every transition is written to the CheckpointStore with optimistic
// versioning before the next action starts. Recover resumes all non-terminal
// executions after a restart. An Apply whose success was checkpointed is
// never repeated, and a rollback is attempted at most once.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Another execution owns the target resource
//   - Permanent: Non-recoverable errors
//
// Use the error helper functions to classify and inspect errors:
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// # Example Usage
//
//	registry, err := engine.NewRegistry(executors, engine.RegistryOptions{})
//	eng, err := engine.New(engine.DefaultConfig(), store, registry,
//	    engine.WithHealthProbe(probe))
//
//	id, err := eng.Submit(ctx, proposal, engine.SubmitOptions{User: "alice"})
//	exec, err := eng.Wait(ctx, id)
//
// # Thread Safety
//
// The Engine is safe for concurrent use. Operations on the same execution are
// serialised; operations on different executions proceed in parallel.
package engine
