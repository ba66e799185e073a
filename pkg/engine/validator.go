package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// ValidatorConfig configures precondition checks.
type ValidatorConfig struct {
	// ApprovalThreshold is the absolute estimated impact above which a
	// low-risk proposal still requires approval.
	ApprovalThreshold float64
}

// Validator checks proposal preconditions before anything is applied.
type Validator struct {
	config   ValidatorConfig
	registry *Registry
	checker  ResourceChecker
	store    CheckpointStore
	policy   PolicyEvaluator
}

// NewValidator creates a validator. checker and policy may be nil.
func NewValidator(cfg ValidatorConfig, registry *Registry, checker ResourceChecker, store CheckpointStore, policy PolicyEvaluator) *Validator {
	return &Validator{
		config:   cfg,
		registry: registry,
		checker:  checker,
		store:    store,
		policy:   policy,
	}
}

// Validate runs every check and returns the aggregated result. The returned
// error is reserved for infrastructure failures that prevent validation.
func (v *Validator) Validate(ctx context.Context, exec *Execution) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}
	p := exec.Proposal

	if _, err := v.registry.Lookup(p.ActionType); err != nil {
		result.failWith(err)
		return result, nil
	}
	if p.Stageable {
		if _, err := v.registry.LookupStaged(p.ActionType); err != nil {
			result.failWith(err)
			return result, nil
		}
	}

	v.checkParameters(p, result)
	if !result.Valid {
		return result, nil
	}

	if v.checker != nil {
		exists, err := v.checker.Exists(ctx, p.TargetResourceID)
		switch {
		case err != nil:
			result.fail(fmt.Sprintf("resource existence check failed: %v", err))
		case !exists:
			result.fail(fmt.Sprintf("target resource %s does not exist", p.TargetResourceID))
		}
	} else {
		result.Warnings = append(result.Warnings, "no resource checker configured; existence not verified")
	}

	if err := v.checkConflicts(ctx, exec, result); err != nil {
		return nil, err
	}

	if v.policy != nil {
		decision, err := v.policy.EvaluateProposal(ctx, exec)
		if err != nil {
			result.fail(fmt.Sprintf("policy evaluation failed: %v", err))
		} else {
			for _, violation := range decision.Violations {
				msg := fmt.Sprintf("policy %s: %s", violation.Policy, violation.Message)
				switch violation.Severity {
				case "critical":
					result.block(msg)
				case "error":
					result.fail(msg)
				default:
					result.Warnings = append(result.Warnings, msg)
				}
			}
			if !decision.Allowed && result.Valid {
				result.fail("denied by policy")
			}
		}
	}

	result.RequiresApproval = p.RiskLevel != RiskLow ||
		math.Abs(p.EstimatedImpact) > v.config.ApprovalThreshold
	return result, nil
}

func (v *Validator) checkParameters(p *Proposal, result *ValidationResult) {
	if err := p.Validate(); err != nil {
		result.block(err.Error())
		return
	}
	if p.Stageable && p.ActionType == ActionReservePurchase {
		result.block("reserve_purchase cannot be rolled out in stages")
	}
	if _, _, err := p.DurationParam("monitor_duration"); err != nil {
		result.block(err.Error())
	}
	if raw, ok := p.Parameters["stages"]; ok {
		if _, err := parseStages(raw); err != nil {
			result.block(err.Error())
		}
	}
}

// checkConflicts enforces one active execution per target. When executions
// race, the earliest created one keeps the resource.
func (v *Validator) checkConflicts(ctx context.Context, exec *Execution, result *ValidationResult) error {
	active, err := v.store.List(ctx, CheckpointFilter{
		TargetResourceID: exec.Proposal.TargetResourceID,
		ActiveOnly:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to list active executions: %w", err)
	}
	for _, cp := range active {
		if cp.ExecutionID == exec.ID {
			continue
		}
		if precedes(cp, exec) {
			result.Conflict = true
			result.block(fmt.Sprintf("execution %s (%s) is already active on %s",
				cp.ExecutionID, cp.Status, exec.Proposal.TargetResourceID))
		}
	}
	return nil
}

func precedes(cp *Checkpoint, exec *Execution) bool {
	if cp.CreatedAt.Equal(exec.CreatedAt) {
		return strings.Compare(cp.ExecutionID, exec.ID) < 0
	}
	return cp.CreatedAt.Before(exec.CreatedAt)
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

// block records a failure that force cannot override.
func (r *ValidationResult) block(msg string) {
	r.fail(msg)
	r.Blocking = true
}

func (r *ValidationResult) failWith(err error) {
	r.block(err.Error())
	r.cause = err
}

// Overridable reports whether a failed result may proceed under force.
func (r *ValidationResult) Overridable() bool {
	return !r.Valid && !r.Blocking
}

// Err converts a failed result into a validation error.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.cause != nil {
		return r.cause
	}
	msg := strings.Join(r.Errors, "; ")
	if r.Conflict {
		return NewConflictError(msg, nil)
	}
	return NewValidationError(msg)
}

// parseStages accepts a list of percentages from JSON or YAML input.
func parseStages(raw interface{}) ([]int, error) {
	var stages []int
	switch v := raw.(type) {
	case []int:
		stages = append(stages, v...)
	case []interface{}:
		for _, item := range v {
			switch n := item.(type) {
			case int:
				stages = append(stages, n)
			case float64:
				if n != math.Trunc(n) {
					return nil, fmt.Errorf("stage percentage %v is not an integer", n)
				}
				stages = append(stages, int(n))
			default:
				return nil, fmt.Errorf("stage percentage %v has unsupported type %T", item, item)
			}
		}
	default:
		return nil, fmt.Errorf("stages parameter has unsupported type %T", raw)
	}
	return stages, ValidateStages(stages)
}

// ValidateStages checks that stages are strictly increasing percentages ending at 100.
func ValidateStages(stages []int) error {
	if len(stages) == 0 {
		return fmt.Errorf("at least one rollout stage is required")
	}
	prev := 0
	for _, s := range stages {
		if s <= prev || s > 100 {
			return fmt.Errorf("rollout stages must be strictly increasing percentages in (0, 100], got %v", stages)
		}
		prev = s
	}
	if stages[len(stages)-1] != 100 {
		return fmt.Errorf("last rollout stage must be 100, got %d", stages[len(stages)-1])
	}
	return nil
}
