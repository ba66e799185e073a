package policy

import (
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the proposal.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a
	// "deny" set in its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the target resource of the offending proposal.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document exposed to Rego as "input".
type PolicyInput struct {
	Proposal *ProposalInput `json:"proposal"`
	Context  *PolicyContext `json:"context"`
}

// ProposalInput is the policy view of a proposal.
type ProposalInput struct {
	ID               string                 `json:"id"`
	ActionType       string                 `json:"action_type"`
	TargetResourceID string                 `json:"target_resource_id"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	EstimatedImpact  float64                `json:"estimated_impact"`
	RiskLevel        string                 `json:"risk_level"`
	Stageable        bool                   `json:"stageable"`
	Destructive      bool                   `json:"destructive"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// ExecutionID is the execution being validated.
	ExecutionID string `json:"execution_id,omitempty"`

	// User is the user who submitted the proposal.
	User string `json:"user,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	DryRun      bool `json:"dry_run"`
	Force       bool `json:"force"`
	AutoApprove bool `json:"auto_approve"`
}

// NewPolicyInput builds the policy input for an execution.
func NewPolicyInput(exec *engine.Execution, environment string) *PolicyInput {
	p := exec.Proposal
	return &PolicyInput{
		Proposal: &ProposalInput{
			ID:               p.ID,
			ActionType:       string(p.ActionType),
			TargetResourceID: p.TargetResourceID,
			Parameters:       p.Parameters,
			EstimatedImpact:  p.EstimatedImpact,
			RiskLevel:        string(p.RiskLevel),
			Stageable:        p.Stageable,
			Destructive:      p.ActionType.IsDestructive(),
		},
		Context: &PolicyContext{
			ExecutionID: exec.ID,
			User:        exec.SubmittedBy,
			Environment: environment,
			Timestamp:   time.Now().UTC(),
			DryRun:      exec.DryRun,
			Force:       exec.Force,
			AutoApprove: exec.AutoApprove,
		},
	}
}

// Limits are the blast-radius limits exposed to Rego as data.stagehand.limits.
type Limits struct {
	// MaxImpact caps |estimated_impact| per risk level.
	MaxImpact map[string]float64 `json:"max_impact"`

	// MaxFirstStageHighRisk caps the first rollout stage of a high risk proposal.
	MaxFirstStageHighRisk int `json:"max_first_stage_high_risk"`

	// DefaultStages are used when a proposal does not carry its own stages.
	DefaultStages []int `json:"default_stages"`

	// ProtectedPrefixes name targets that destructive actions may not touch.
	ProtectedPrefixes []string `json:"protected_prefixes"`
}

// DefaultLimits returns the built-in blast-radius limits.
func DefaultLimits() Limits {
	return Limits{
		MaxImpact: map[string]float64{
			string(engine.RiskLow):    1000,
			string(engine.RiskMedium): 10000,
			string(engine.RiskHigh):   100000,
		},
		MaxFirstStageHighRisk: 10,
		DefaultStages:         []int{10, 50, 100},
		ProtectedPrefixes:     []string{},
	}
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
