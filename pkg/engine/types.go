package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Proposal is an immutable request to change one infrastructure resource.
// The engine never mutates a proposal; executions store their own copy.
type Proposal struct {
	// ID is the stable identifier of the proposal, also used as the idempotency key.
	ID string `json:"id" yaml:"id"`

	// ActionType selects the executor.
	ActionType ActionType `json:"action_type" yaml:"action_type"`

	// TargetResourceID identifies the resource, optionally scheme-prefixed
	// (for example "k8s:default/deployment/api" or "gcs:logs-archive").
	TargetResourceID string `json:"target_resource_id" yaml:"target_resource_id"`

	// Parameters are opaque executor inputs.
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// EstimatedImpact is the expected effect of the change, in the caller's units.
	EstimatedImpact float64 `json:"estimated_impact" yaml:"estimated_impact"`

	// RiskLevel classifies how dangerous the change is.
	RiskLevel RiskLevel `json:"risk_level" yaml:"risk_level"`

	// Stageable requests an incremental rollout with health monitoring.
	Stageable bool `json:"stageable" yaml:"stageable"`
}

// Validate performs structural checks that do not need any collaborator.
func (p *Proposal) Validate() error {
	if p == nil {
		return NewValidationError("proposal is nil")
	}
	if p.ID == "" {
		return NewValidationError("proposal id is required")
	}
	if p.TargetResourceID == "" {
		return NewValidationError("target resource id is required").WithResource(p.ID)
	}
	if err := p.ActionType.Validate(); err != nil {
		return NewValidationError(err.Error()).WithResource(p.TargetResourceID)
	}
	if err := p.RiskLevel.Validate(); err != nil {
		return NewValidationError(err.Error()).WithResource(p.TargetResourceID)
	}
	if math.IsNaN(p.EstimatedImpact) || math.IsInf(p.EstimatedImpact, 0) {
		return NewValidationError("estimated impact must be finite").WithResource(p.TargetResourceID)
	}
	return nil
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	if p.Parameters != nil {
		data, err := json.Marshal(p.Parameters)
		if err == nil {
			var params map[string]interface{}
			if json.Unmarshal(data, &params) == nil {
				out.Parameters = params
			}
		}
	}
	return &out
}

// StringParam returns a string parameter or the fallback.
func (p *Proposal) StringParam(key, fallback string) string {
	if v, ok := p.Parameters[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntParam returns an integer parameter, accepting JSON and YAML number forms.
func (p *Proposal) IntParam(key string) (int, bool) {
	switch v := p.Parameters[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// DurationParam parses a duration parameter given as a Go duration string or seconds.
func (p *Proposal) DurationParam(key string) (time.Duration, bool, error) {
	raw, ok := p.Parameters[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, true, fmt.Errorf("parameter %s: %w", key, err)
		}
		return d, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	default:
		return 0, true, fmt.Errorf("parameter %s: unsupported type %T", key, raw)
	}
}

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Status    ExecutionStatus        `json:"status"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RolloutStage tracks one increment of a staged rollout.
type RolloutStage struct {
	Percentage   int                    `json:"percentage"`
	Status       StageStatus            `json:"status"`
	HealthBefore *float64               `json:"health_before,omitempty"`
	HealthAfter  *float64               `json:"health_after,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// HealthReading is a single health probe sample.
type HealthReading struct {
	Timestamp  time.Time `json:"timestamp"`
	Percentage int       `json:"percentage"`
	Phase      string    `json:"phase"`
	Score      float64   `json:"score"`
	Error      string    `json:"error,omitempty"`
}

// Change describes one modification performed by an executor.
type Change struct {
	Resource string      `json:"resource"`
	Path     string      `json:"path"`
	Before   interface{} `json:"before,omitempty"`
	After    interface{} `json:"after,omitempty"`
}

// ValidationResult is the outcome of the validator.
type ValidationResult struct {
	Valid            bool     `json:"valid"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`

	// Conflict is set when another active execution holds the target.
	Conflict bool `json:"conflict,omitempty"`

	// Blocking is set when a failure cannot be overridden with force: a
	// missing executor, malformed parameters or a conflict on the target.
	Blocking bool `json:"blocking,omitempty"`

	cause error
}

// Execution is the mutable record of applying one proposal.
type Execution struct {
	ID         string          `json:"execution_id"`
	ProposalID string          `json:"proposal_id"`
	Proposal   *Proposal       `json:"proposal"`
	Status     ExecutionStatus `json:"status"`

	DryRun      bool   `json:"dry_run"`
	AutoApprove bool   `json:"auto_approve"`
	Force       bool   `json:"force"`
	SubmittedBy string `json:"submitted_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Log []LogEntry `json:"execution_log"`

	Validation       *ValidationResult `json:"validation,omitempty"`
	ApprovalDeadline *time.Time        `json:"approval_deadline,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty"`

	// Applied is set once the executor's Apply returned successfully.
	// A resumed execution with Applied set never calls Apply again.
	Applied bool `json:"applied"`

	RollbackInfo        json.RawMessage `json:"rollback_info,omitempty"`
	RollbackPending     bool            `json:"rollback_pending"`
	RollbackAttempted   bool            `json:"rollback_attempted"`
	UnrevertedResources []string        `json:"unreverted_resources,omitempty"`

	Stages       []RolloutStage  `json:"stages,omitempty"`
	StageIndex   int             `json:"stage_index"`
	CurrentStage int             `json:"current_stage"`
	MonitorUntil *time.Time      `json:"monitor_until,omitempty"`
	Health       []HealthReading `json:"health_history,omitempty"`

	Changes          []Change `json:"changes,omitempty"`
	ActualImpact     *float64 `json:"actual_impact,omitempty"`
	FinalHealthScore *float64 `json:"final_health_score,omitempty"`
	TotalImprovement *float64 `json:"total_improvement,omitempty"`
	RetryCount       int      `json:"retry_count"`

	Error *ExecutionError `json:"error,omitempty"`

	// Version is the checkpoint version this copy was read at. Not serialized
	// into the checkpoint payload.
	Version int64 `json:"-"`
}

// IsTerminal reports whether the execution has finished, including any
// rollback that was pending after a failure.
func (e *Execution) IsTerminal() bool {
	if e.RollbackPending {
		return false
	}
	return e.Status.IsTerminal()
}

// Appendf adds a formatted entry to the execution log.
func (e *Execution) Appendf(level LogLevel, format string, args ...interface{}) {
	e.Log = append(e.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Status:    e.Status,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Clone returns a deep copy of the execution via its JSON form.
func (e *Execution) Clone() *Execution {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("execution %s is not serializable: %v", e.ID, err))
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("execution %s is not deserializable: %v", e.ID, err))
	}
	out.Version = e.Version
	return &out
}

// ExecutionResult is emitted on every terminal transition.
type ExecutionResult struct {
	ExecutionID         string          `json:"execution_id"`
	ProposalID          string          `json:"proposal_id"`
	ActionType          ActionType      `json:"action_type"`
	TargetResourceID    string          `json:"target_resource_id"`
	FinalStatus         ExecutionStatus `json:"final_status"`
	DryRun              bool            `json:"dry_run"`
	Duration            time.Duration   `json:"duration"`
	ActualImpact        *float64        `json:"actual_impact"`
	FinalHealthScore    *float64        `json:"final_health_score,omitempty"`
	UnrevertedResources []string        `json:"unreverted_resources,omitempty"`
	ExecutionLog        []LogEntry      `json:"execution_log"`
	Error               *ExecutionError `json:"error"`
}

// NewExecutionResult builds the terminal event for an execution.
func NewExecutionResult(e *Execution) *ExecutionResult {
	end := e.UpdatedAt
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return &ExecutionResult{
		ExecutionID:         e.ID,
		ProposalID:          e.ProposalID,
		ActionType:          e.Proposal.ActionType,
		TargetResourceID:    e.Proposal.TargetResourceID,
		FinalStatus:         e.Status,
		DryRun:              e.DryRun,
		Duration:            end.Sub(e.CreatedAt),
		ActualImpact:        e.ActualImpact,
		FinalHealthScore:    e.FinalHealthScore,
		UnrevertedResources: e.UnrevertedResources,
		ExecutionLog:        e.Log,
		Error:               e.Error,
	}
}

// StatusView is the read model returned by GetStatus.
type StatusView struct {
	ExecutionID  string          `json:"execution_id"`
	ProposalID   string          `json:"proposal_id"`
	Status       ExecutionStatus `json:"status"`
	Progress     int             `json:"progress"`
	CanCancel    bool            `json:"can_cancel"`
	CanRollback  bool            `json:"can_rollback"`
	CurrentStage int             `json:"current_stage"`
	Stages       []RolloutStage  `json:"stages,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
	Log          []LogEntry      `json:"execution_log"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SubmitOptions controls how a proposal is executed.
type SubmitOptions struct {
	DryRun      bool
	AutoApprove bool
	Force       bool
	User        string
}

// ApplyRequest is passed to Executor.Apply.
type ApplyRequest struct {
	ExecutionID    string
	Proposal       *Proposal
	DryRun         bool
	IdempotencyKey string

	// Staged tells the executor that the change will be rolled out through
	// ApplyStage calls. Apply should capture rollback state and prepare only.
	Staged bool
}

// ApplyResult is returned by Executor.Apply and StagedExecutor.ApplyStage.
type ApplyResult struct {
	Success          bool
	RollbackInfo     json.RawMessage
	Changes          []Change
	ActualImpact     *float64
	TotalImprovement *float64
	Message          string
}

// StageRequest is passed to StagedExecutor.ApplyStage.
type StageRequest struct {
	ExecutionID  string
	Proposal     *Proposal
	Percentage   int
	Parameters   map[string]interface{}
	DryRun       bool
	RollbackInfo json.RawMessage
}

// RollbackRequest is passed to Executor.Rollback.
type RollbackRequest struct {
	ExecutionID  string
	Proposal     *Proposal
	RollbackInfo json.RawMessage
}

// RollbackResult reports how much of a change was reverted.
type RollbackResult struct {
	Success    bool
	Unreverted []string
	Message    string
}

// Checkpoint is the persisted, versioned form of an execution.
type Checkpoint struct {
	ExecutionID      string          `json:"execution_id"`
	Version          int64           `json:"version"`
	TargetResourceID string          `json:"target_resource_id"`
	Status           ExecutionStatus `json:"status"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	State            json.RawMessage `json:"state"`
}

// NewCheckpoint serializes an execution into a checkpoint payload.
func NewCheckpoint(e *Execution) (*Checkpoint, error) {
	state, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution %s: %w", e.ID, err)
	}
	return &Checkpoint{
		ExecutionID:      e.ID,
		Version:          e.Version,
		TargetResourceID: e.Proposal.TargetResourceID,
		Status:           e.Status,
		Active:           !e.IsTerminal(),
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		State:            state,
	}, nil
}

// Execution decodes the checkpoint payload.
func (c *Checkpoint) Execution() (*Execution, error) {
	var e Execution
	if err := json.Unmarshal(c.State, &e); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s@%d: %w", c.ExecutionID, c.Version, err)
	}
	e.Version = c.Version
	return &e, nil
}

// CheckpointFilter narrows List results. Zero values match everything.
type CheckpointFilter struct {
	TargetResourceID string
	Statuses         []ExecutionStatus
	ActiveOnly       bool
	Limit            int
}

// Matches reports whether a checkpoint passes the filter.
func (f CheckpointFilter) Matches(c *Checkpoint) bool {
	if f.TargetResourceID != "" && c.TargetResourceID != f.TargetResourceID {
		return false
	}
	if f.ActiveOnly && !c.Active {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == c.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
