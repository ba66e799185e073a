package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	// StatusPending indicates the execution was accepted but not yet validated.
	StatusPending ExecutionStatus = "pending"

	// StatusValidating indicates preconditions are being checked.
	StatusValidating ExecutionStatus = "validating"

	// StatusAwaitingApproval indicates the execution is suspended until a human decides.
	StatusAwaitingApproval ExecutionStatus = "awaiting_approval"

	// StatusApproved indicates the execution may proceed to apply.
	StatusApproved ExecutionStatus = "approved"

	// StatusExecuting indicates the executor has been (or is being) invoked.
	StatusExecuting ExecutionStatus = "executing"

	// StatusMonitoring indicates a rollout stage was applied and health is being watched.
	StatusMonitoring ExecutionStatus = "monitoring"

	// StatusCompleted indicates the change was applied successfully.
	StatusCompleted ExecutionStatus = "completed"

	// StatusFailed indicates the execution failed. A pending rollback may still follow.
	StatusFailed ExecutionStatus = "failed"

	// StatusRolledBack indicates a failed or completed change was reverted.
	StatusRolledBack ExecutionStatus = "rolled_back"

	// StatusCancelled indicates the execution was cancelled before any side effect.
	StatusCancelled ExecutionStatus = "cancelled"
)

// AllStatuses lists every execution status in lifecycle order.
var AllStatuses = []ExecutionStatus{
	StatusPending, StatusValidating, StatusAwaitingApproval, StatusApproved,
	StatusExecuting, StatusMonitoring, StatusCompleted, StatusFailed,
	StatusRolledBack, StatusCancelled,
}

// IsTerminal returns true if the status represents a final state.
// A failed execution with a pending rollback is not terminal yet; see
// Execution.IsTerminal.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed ||
		s == StatusRolledBack || s == StatusCancelled
}

// IsActive returns true if the execution still holds its target resource.
func (s ExecutionStatus) IsActive() bool {
	return !s.IsTerminal()
}

// CanCancel returns true if Cancel is legal in this state.
func (s ExecutionStatus) CanCancel() bool {
	return s == StatusPending || s == StatusValidating || s == StatusAwaitingApproval
}

// CanRollback returns true if a manual rollback may be requested in this state.
func (s ExecutionStatus) CanRollback() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress returns the fixed progress percentage reported for this state.
func (s ExecutionStatus) Progress() int {
	return statusProgress[s]
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	if _, ok := statusProgress[s]; !ok {
		return fmt.Errorf("invalid execution status: %s", s)
	}
	return nil
}

var statusProgress = map[ExecutionStatus]int{
	StatusPending:          0,
	StatusValidating:       10,
	StatusAwaitingApproval: 20,
	StatusApproved:         30,
	StatusExecuting:        50,
	StatusMonitoring:       70,
	StatusCompleted:        100,
	StatusFailed:           100,
	StatusRolledBack:       100,
	StatusCancelled:        100,
}

// transitions is the legal edge set of the execution state machine.
// Failure is reachable from every non-terminal state and is added in CanTransition.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:          {StatusValidating, StatusCancelled},
	StatusValidating:       {StatusAwaitingApproval, StatusApproved, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusMonitoring, StatusCompleted},
	StatusMonitoring:       {StatusMonitoring, StatusCompleted},
	StatusFailed:           {StatusRolledBack},
	StatusCompleted:        {StatusRolledBack, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ExecutionStatus) bool {
	if to == StatusFailed && !from.IsTerminal() {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// ActionType is the closed set of changes the orchestrator can apply.
type ActionType string

const (
	ActionTerminate       ActionType = "terminate"
	ActionRightsize       ActionType = "rightsize"
	ActionHibernate       ActionType = "hibernate"
	ActionSpotMigrate     ActionType = "spot_migrate"
	ActionReservePurchase ActionType = "reserve_purchase"
	ActionAutoscale       ActionType = "autoscale"
	ActionStorageOptimize ActionType = "storage_optimize"
	ActionConfigFix       ActionType = "config_fix"
	ActionStagedRollout   ActionType = "staged_rollout"
)

// AllActionTypes lists every known action type.
var AllActionTypes = []ActionType{
	ActionTerminate, ActionRightsize, ActionHibernate, ActionSpotMigrate,
	ActionReservePurchase, ActionAutoscale, ActionStorageOptimize,
	ActionConfigFix, ActionStagedRollout,
}

// IsDestructive returns true if the action removes capacity outright.
func (a ActionType) IsDestructive() bool {
	return a == ActionTerminate || a == ActionHibernate
}

// Validate checks if the action type is known.
func (a ActionType) Validate() error {
	for _, known := range AllActionTypes {
		if a == known {
			return nil
		}
	}
	return fmt.Errorf("invalid action type: %s", a)
}

// RiskLevel classifies how dangerous a proposal is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Validate checks if the risk level is valid.
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return nil
	default:
		return fmt.Errorf("invalid risk level: %s", r)
	}
}

// StageStatus represents the state of a single rollout stage.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusSuccess    StageStatus = "success"
	StageStatusFailed     StageStatus = "failed"
)

// IsTerminal returns true if the stage is finished.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusSuccess || s == StageStatusFailed
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)
