package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startDrive runs the drive loop for an execution unless one is already
// running, in which case the running loop makes another pass.
func (e *Engine) startDrive(id string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if st, ok := e.drives[id]; ok {
		st.again = true
		e.mu.Unlock()
		return
	}
	st := &driveState{}
	e.drives[id] = st
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		for {
			e.drive(id)
			e.mu.Lock()
			if st.again && !e.closed {
				st.again = false
				e.mu.Unlock()
				continue
			}
			delete(e.drives, id)
			e.mu.Unlock()
			e.notify(id)
			return
		}
	}()
}

// drive advances an execution one checkpointed step at a time until it is
// terminal or suspended.
func (e *Engine) drive(id string) {
	log := e.logger.With().Str("execution_id", id).Logger()
	for {
		if e.ctx.Err() != nil {
			return
		}
		exec, err := e.load(e.ctx, id)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load checkpoint")
			return
		}
		if exec.IsTerminal() {
			return
		}
		e.mu.Lock()
		busy := e.rollingBack[id]
		e.mu.Unlock()
		if busy {
			return
		}

		ctx, span := e.tracer.Start(e.ctx, "execution.step", trace.WithAttributes(
			attribute.String("execution.id", id),
			attribute.String("execution.status", string(exec.Status)),
			attribute.String("resource.id", exec.Proposal.TargetResourceID),
		))
		more, err := e.step(ctx, exec)
		if err != nil && !errors.Is(err, errStale) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		switch {
		case errors.Is(err, errStale):
			continue
		case err != nil:
			log.Error().Err(err).Str("status", string(exec.Status)).Msg("Execution step aborted")
			return
		case !more:
			return
		}
	}
}

// step performs the single action owed by the execution's current state.
// It returns false when the execution is suspended.
func (e *Engine) step(ctx context.Context, exec *Execution) (bool, error) {
	if exec.RollbackPending {
		return true, e.stepRollback(ctx, exec)
	}

	switch exec.Status {
	case StatusPending:
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expect(x, StatusPending); err != nil {
				return err
			}
			return e.transition(x, StatusValidating, LogLevelInfo, "Validating proposal")
		})
		return true, err

	case StatusValidating:
		return true, e.stepValidate(ctx, exec)

	case StatusAwaitingApproval:
		return e.stepAwaitApproval(ctx, exec)

	case StatusApproved:
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expect(x, StatusApproved); err != nil {
				return err
			}
			if x.Proposal.Stageable && !x.DryRun && !e.rollout.HasProbe() {
				e.markFailed(x, NewConfigurationError("staged rollout requires a health probe"), false)
				return nil
			}
			return e.transition(x, StatusExecuting, LogLevelInfo, "Applying %s to %s",
				x.Proposal.ActionType, x.Proposal.TargetResourceID)
		})
		return true, err

	case StatusExecuting:
		if !exec.Applied {
			return true, e.stepApply(ctx, exec)
		}
		if exec.Proposal.Stageable {
			return e.stepStage(ctx, exec)
		}
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expect(x, StatusExecuting); err != nil {
				return err
			}
			return e.transition(x, StatusCompleted, LogLevelInfo, "Execution completed")
		})
		return true, err

	case StatusMonitoring:
		return e.stepStage(ctx, exec)

	default:
		return false, nil
	}
}

func (e *Engine) stepValidate(ctx context.Context, exec *Execution) error {
	result, verr := e.validator.Validate(ctx, exec)
	if e.ctx.Err() != nil {
		return nil
	}
	_, err := e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expect(x, StatusValidating); err != nil {
			return err
		}
		if verr != nil {
			e.markFailed(x, NewTransientError("validation could not complete", verr).WithCode(ErrCodeValidation), false)
			return nil
		}
		x.Validation = result
		for _, w := range result.Warnings {
			x.Appendf(LogLevelWarn, "Validation warning: %s", w)
		}
		verdict := "Validation passed"
		if !result.Valid {
			if !x.Force || !result.Overridable() {
				e.markFailed(x, result.Err(), false)
				return nil
			}
			for _, msg := range result.Errors {
				x.Appendf(LogLevelWarn, "Validation error overridden by force: %s", msg)
			}
			e.logger.Warn().
				Str("execution_id", x.ID).
				Strs("errors", result.Errors).
				Msg("Validation failed; continuing because force is set")
			verdict = "Validation overridden by force"
		}
		if result.RequiresApproval && !x.AutoApprove {
			if e.config.ApprovalTimeout > 0 {
				deadline := e.now().UTC().Add(e.config.ApprovalTimeout)
				x.ApprovalDeadline = &deadline
			}
			return e.transition(x, StatusAwaitingApproval, LogLevelInfo,
				"%s; approval required (risk=%s, estimated_impact=%.2f)",
				verdict, x.Proposal.RiskLevel, x.Proposal.EstimatedImpact)
		}
		if result.RequiresApproval {
			return e.transition(x, StatusApproved, LogLevelInfo, "%s; auto-approved", verdict)
		}
		return e.transition(x, StatusApproved, LogLevelInfo, "%s; no approval required", verdict)
	})
	return err
}

func (e *Engine) stepAwaitApproval(ctx context.Context, exec *Execution) (bool, error) {
	if exec.ApprovalDeadline == nil {
		return false, nil
	}
	if remaining := exec.ApprovalDeadline.Sub(e.now()); remaining > 0 {
		e.armTimer(exec.ID, remaining)
		return false, nil
	}
	_, err := e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expect(x, StatusAwaitingApproval); err != nil {
			return err
		}
		e.markFailed(x, NewPermanentError("approval timed out", nil).WithCode(ErrCodeApprovalTimeout), false)
		return nil
	})
	return true, err
}

func (e *Engine) stepApply(ctx context.Context, exec *Execution) error {
	p := exec.Proposal
	executor, err := e.registry.Lookup(p.ActionType)
	if err != nil {
		_, uerr := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expectApply(x); err != nil {
				return err
			}
			e.markFailed(x, err, false)
			return nil
		})
		return uerr
	}

	var result *ApplyResult
	callCtx := context.WithoutCancel(ctx)
	applyErr := retryCall(callCtx, e.config.Retry, e.sleep, e.retryLogger(ctx, exec.ID, p.ActionType),
		func(ctx context.Context) error {
			res, err := executor.Apply(ctx, ApplyRequest{
				ExecutionID:    exec.ID,
				Proposal:       p,
				DryRun:         exec.DryRun,
				IdempotencyKey: p.ID,
				Staged:         p.Stageable,
			})
			if res != nil {
				result = res
			}
			return err
		})

	_, err = e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expectApply(x); err != nil {
			return err
		}
		if result != nil && len(result.RollbackInfo) > 0 {
			x.RollbackInfo = result.RollbackInfo
		}
		if applyErr == nil && (result == nil || !result.Success) {
			msg := "executor reported failure"
			if result != nil && result.Message != "" {
				msg += ": " + result.Message
			}
			applyErr = NewPermanentError(msg, nil).WithCode(ErrCodeApplyFailed)
		}
		if applyErr != nil {
			e.markFailed(x, applyFailure(applyErr, p.TargetResourceID), true)
			return nil
		}

		x.Applied = true
		x.Changes = result.Changes
		x.ActualImpact = result.ActualImpact
		x.TotalImprovement = result.TotalImprovement
		x.Appendf(LogLevelInfo, "Apply succeeded with %d change(s)%s", len(result.Changes), dryRunSuffix(x))

		if !p.Stageable {
			return e.transition(x, StatusCompleted, LogLevelInfo, "Execution completed")
		}
		stages, err := e.rollout.Plan(p)
		if err != nil {
			e.markFailed(x, err, true)
			return nil
		}
		x.Stages = stages
		x.StageIndex = 0
		x.Appendf(LogLevelInfo, "Starting staged rollout over %d stage(s)", len(stages))
		return nil
	})
	return err
}

func (e *Engine) stepStage(ctx context.Context, exec *Execution) (bool, error) {
	if exec.StageIndex >= len(exec.Stages) {
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expectStage(x, exec.StageIndex); err != nil {
				return err
			}
			e.markFailed(x, NewPermanentError("rollout has no remaining stage", nil).WithCode(ErrCodeInternal), true)
			return nil
		})
		return true, err
	}
	if exec.MonitorUntil != nil {
		return e.monitorStage(ctx, exec)
	}
	return true, e.applyStage(ctx, exec)
}

func (e *Engine) applyStage(ctx context.Context, exec *Execution) error {
	idx := exec.StageIndex
	p := exec.Proposal
	pct := exec.Stages[idx].Percentage

	failStage := func(cause error) error {
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if err := expectStage(x, idx); err != nil {
				return err
			}
			now := e.now().UTC()
			st := &x.Stages[idx]
			st.Status = StageStatusFailed
			st.Error = cause.Error()
			st.CompletedAt = &now
			e.markFailed(x, cause, true)
			return nil
		})
		return err
	}

	var before *float64
	if !exec.DryRun {
		if exec.Stages[idx].HealthBefore != nil {
			before = exec.Stages[idx].HealthBefore
		} else {
			score, err := e.rollout.ReadHealth(ctx, p.TargetResourceID)
			if e.ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return failStage(err)
			}
			before = &score
		}
	}

	params, err := e.rollout.StageParameters(ctx, p, pct)
	if err != nil {
		return failStage(err)
	}
	staged, err := e.registry.LookupStaged(p.ActionType)
	if err != nil {
		return failStage(err)
	}

	if _, err := e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expectStage(x, idx); err != nil {
			return err
		}
		now := e.now().UTC()
		st := &x.Stages[idx]
		if st.Status == StageStatusPending {
			st.StartedAt = &now
		}
		st.Status = StageStatusInProgress
		st.Parameters = params
		x.CurrentStage = pct
		if before != nil && st.HealthBefore == nil {
			st.HealthBefore = before
			x.Health = append(x.Health, HealthReading{Timestamp: now, Percentage: pct, Phase: "before", Score: *before})
			x.Appendf(LogLevelInfo, "Stage %d%%: applying (health before %.2f)", pct, *before)
		} else {
			x.Appendf(LogLevelInfo, "Stage %d%%: applying%s", pct, dryRunSuffix(x))
		}
		return nil
	}); err != nil {
		return err
	}

	var result *ApplyResult
	stageErr := retryCall(context.WithoutCancel(ctx), e.config.Retry, e.sleep, e.retryLogger(ctx, exec.ID, p.ActionType),
		func(ctx context.Context) error {
			res, err := staged.ApplyStage(ctx, StageRequest{
				ExecutionID:  exec.ID,
				Proposal:     p,
				Percentage:   pct,
				Parameters:   params,
				DryRun:       exec.DryRun,
				RollbackInfo: exec.RollbackInfo,
			})
			if res != nil {
				result = res
			}
			return err
		})
	if stageErr == nil && (result == nil || !result.Success) {
		stageErr = NewPermanentError(fmt.Sprintf("executor reported failure at %d%%", pct), nil).WithCode(ErrCodeApplyFailed)
	}
	if stageErr != nil {
		return failStage(applyFailure(stageErr, p.TargetResourceID))
	}

	_, err = e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expectStage(x, idx); err != nil {
			return err
		}
		x.Changes = append(x.Changes, result.Changes...)
		if result.ActualImpact != nil {
			x.ActualImpact = result.ActualImpact
		}
		if result.TotalImprovement != nil {
			x.TotalImprovement = result.TotalImprovement
		}
		if x.DryRun {
			now := e.now().UTC()
			st := &x.Stages[idx]
			st.Status = StageStatusSuccess
			st.CompletedAt = &now
			x.Appendf(LogLevelInfo, "Stage %d%%: simulated%s", pct, dryRunSuffix(x))
			return e.advanceStage(x)
		}
		d := e.rollout.MonitorDuration(x.Proposal)
		until := e.now().UTC().Add(d)
		x.MonitorUntil = &until
		return e.transition(x, StatusMonitoring, LogLevelInfo, "Stage %d%% applied; monitoring health for %s", pct, d)
	})
	return err
}

func (e *Engine) monitorStage(ctx context.Context, exec *Execution) (bool, error) {
	idx := exec.StageIndex
	pct := exec.Stages[idx].Percentage

	if remaining := exec.MonitorUntil.Sub(e.now()); remaining > 0 {
		if err := e.sleep(e.ctx, remaining); err != nil {
			// Shutdown: the persisted deadline lets Recover resume the wait.
			return false, nil
		}
	}

	after, herr := e.rollout.ReadHealth(ctx, exec.Proposal.TargetResourceID)
	if e.ctx.Err() != nil {
		return false, nil
	}
	_, err := e.update(ctx, exec.ID, func(x *Execution) error {
		if err := expect(x, StatusMonitoring); err != nil {
			return err
		}
		if x.StageIndex != idx {
			return errStale
		}
		now := e.now().UTC()
		st := &x.Stages[idx]
		x.MonitorUntil = nil

		if herr != nil {
			st.Status = StageStatusFailed
			st.Error = herr.Error()
			st.CompletedAt = &now
			x.Health = append(x.Health, HealthReading{Timestamp: now, Percentage: pct, Phase: "after", Error: herr.Error()})
			e.markFailed(x, herr, true)
			return nil
		}

		st.HealthAfter = &after
		x.Health = append(x.Health, HealthReading{Timestamp: now, Percentage: pct, Phase: "after", Score: after})
		var before float64
		if st.HealthBefore != nil {
			before = *st.HealthBefore
		}
		if !e.rollout.Promote(before, after) {
			regression := e.rollout.Regression(x.Proposal.TargetResourceID, pct, before, after)
			st.Status = StageStatusFailed
			st.Error = regression.Message
			st.CompletedAt = &now
			e.markFailed(x, regression, true)
			return nil
		}

		st.Status = StageStatusSuccess
		st.CompletedAt = &now
		x.Appendf(LogLevelInfo, "Stage %d%% healthy (%.2f -> %.2f)", pct, before, after)
		return e.advanceStage(x)
	})
	return true, err
}

// advanceStage moves to the next stage or completes the rollout.
func (e *Engine) advanceStage(x *Execution) error {
	if x.StageIndex < len(x.Stages)-1 {
		x.StageIndex++
		return nil
	}
	if !x.DryRun {
		first, last := x.Stages[0], x.Stages[len(x.Stages)-1]
		x.FinalHealthScore = last.HealthAfter
		if x.TotalImprovement == nil && first.HealthBefore != nil && last.HealthAfter != nil {
			improvement := *last.HealthAfter - *first.HealthBefore
			x.TotalImprovement = &improvement
		}
	}
	return e.transition(x, StatusCompleted, LogLevelInfo, "Staged rollout completed at 100%%")
}

func (e *Engine) stepRollback(ctx context.Context, exec *Execution) error {
	if exec.RollbackAttempted {
		// A previous process started this rollback and stopped before
		// recording its outcome. Rollback is never attempted twice.
		_, err := e.update(ctx, exec.ID, func(x *Execution) error {
			if !x.RollbackPending {
				return errStale
			}
			unknown := NewPermanentError("rollback outcome unknown after restart", nil).
				WithCode(ErrCodeRollbackFailed)
			return e.finishRollback(x, &RollbackResult{Unreverted: []string{x.Proposal.TargetResourceID}}, unknown)
		})
		return err
	}

	exec, err := e.update(ctx, exec.ID, func(x *Execution) error {
		if !x.RollbackPending || x.RollbackAttempted {
			return errStale
		}
		x.RollbackAttempted = true
		x.Appendf(LogLevelWarn, "Rolling back %s", x.Proposal.TargetResourceID)
		return nil
	})
	if err != nil {
		return err
	}

	result, rerr := e.rollbacks.Rollback(context.WithoutCancel(ctx), exec)
	_, err = e.update(ctx, exec.ID, func(x *Execution) error {
		if !x.RollbackPending {
			return errStale
		}
		return e.finishRollback(x, result, rerr)
	})
	return err
}

// finishRollback records a rollback outcome on x.
func (e *Engine) finishRollback(x *Execution, result *RollbackResult, rerr error) error {
	x.RollbackPending = false
	if rerr == nil && result != nil && result.Success {
		x.UnrevertedResources = nil
		return e.transition(x, StatusRolledBack, LogLevelInfo, "Rollback succeeded")
	}

	var unreverted []string
	if result != nil {
		unreverted = result.Unreverted
	}
	if len(unreverted) == 0 {
		unreverted = []string{x.Proposal.TargetResourceID}
	}
	x.UnrevertedResources = unreverted

	cause := "rollback failed"
	if rerr != nil {
		cause = rerr.Error()
	} else if result != nil && result.Message != "" {
		cause = "rollback failed: " + result.Message
	}
	if x.Error != nil {
		cause = fmt.Sprintf("%s (after %s)", cause, x.Error.Code)
	}
	x.Error = &ExecutionError{Code: ErrCodeRollbackFailed, Class: ErrorClassPermanent, Message: cause}
	x.Appendf(LogLevelError, "Rollback failed; unreverted resources: %v", unreverted)
	if x.Status == StatusCompleted {
		return e.transition(x, StatusFailed, LogLevelError, "Execution failed after rollback attempt")
	}
	return nil
}

// markFailed moves x to failed. When rollback is set and the executor left
// rollback information, a rollback becomes pending.
func (e *Engine) markFailed(x *Execution, cause error, rollback bool) {
	x.Error = NewExecutionError(cause)
	x.RollbackPending = rollback && !x.DryRun && len(x.RollbackInfo) > 0
	x.ApprovalDeadline = nil
	x.MonitorUntil = nil
	if err := e.transition(x, StatusFailed, LogLevelError, "Execution failed: %v", cause); err != nil {
		e.logger.Error().Err(err).Str("execution_id", x.ID).Msg("Failed to record failure")
	}
}
