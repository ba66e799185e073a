package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RollbackManager reverts applied changes through the owning executor.
// It makes exactly one attempt per call; the engine guarantees it is called
// at most once per execution.
type RollbackManager struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(registry *Registry, logger zerolog.Logger) *RollbackManager {
	return &RollbackManager{
		registry: registry,
		logger:   logger.With().Str("component", "rollback").Logger(),
	}
}

// Rollback reverts the execution's change. A nil error with an unsuccessful
// result means the executor ran but could not revert everything; the
// unreverted resources are listed in the result.
func (m *RollbackManager) Rollback(ctx context.Context, exec *Execution) (*RollbackResult, error) {
	if len(exec.RollbackInfo) == 0 {
		return nil, NewPermanentError("no rollback information recorded", nil).
			WithCode(ErrCodeRollbackFailed).
			WithResource(exec.Proposal.TargetResourceID)
	}

	executor, err := m.registry.Lookup(exec.Proposal.ActionType)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("execution_id", exec.ID).
		Str("resource_id", exec.Proposal.TargetResourceID).
		Str("action", string(exec.Proposal.ActionType)).
		Msg("Rolling back change")

	result, err := executor.Rollback(ctx, RollbackRequest{
		ExecutionID:  exec.ID,
		Proposal:     exec.Proposal,
		RollbackInfo: exec.RollbackInfo,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Rollback failed")
		return &RollbackResult{Unreverted: []string{exec.Proposal.TargetResourceID}},
			NewPermanentError("rollback failed", err).
				WithCode(ErrCodeRollbackFailed).
				WithResource(exec.Proposal.TargetResourceID)
	}
	if result == nil {
		return nil, NewPermanentError("executor returned no rollback result", nil).
			WithCode(ErrCodeRollbackFailed).
			WithResource(exec.Proposal.TargetResourceID)
	}
	if !result.Success && len(result.Unreverted) == 0 {
		result.Unreverted = []string{exec.Proposal.TargetResourceID}
	}

	m.logger.Info().
		Str("execution_id", exec.ID).
		Bool("success", result.Success).
		Strs("unreverted", result.Unreverted).
		Msg(fmt.Sprintf("Rollback finished: %s", result.Message))
	return result, nil
}
