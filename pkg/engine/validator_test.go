package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubPolicy struct {
	decision *PolicyDecision
	err      error
}

func (p stubPolicy) EvaluateProposal(ctx context.Context, exec *Execution) (*PolicyDecision, error) {
	return p.decision, p.err
}

func newTestValidator(t *testing.T, store CheckpointStore, checker ResourceChecker, policy PolicyEvaluator) *Validator {
	t.Helper()
	exec := newMockExecutor()
	registry, err := NewRegistry(map[ActionType]Executor{
		ActionTerminate: exec,
		ActionConfigFix: exec,
		ActionRightsize: plainExecutor{inner: exec},
	}, RegistryOptions{})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return NewValidator(ValidatorConfig{ApprovalThreshold: 1000}, registry, checker, store, policy)
}

func pendingExecution(id string, p *Proposal, created time.Time) *Execution {
	return &Execution{ID: id, ProposalID: p.ID, Proposal: p, Status: StatusValidating, CreatedAt: created}
}

func TestValidator_Validate(t *testing.T) {
	tests := []struct {
		name         string
		proposal     *Proposal
		checker      ResourceChecker
		policy       PolicyEvaluator
		wantValid    bool
		wantApproval bool
		wantCode     string
		wantWarning  string
		overridable  bool
	}{
		{
			name:        "low risk small impact",
			proposal:    lowRiskProposal("p", "vm-1"),
			wantValid:   true,
			wantWarning: "no resource checker",
		},
		{
			name:         "medium risk needs approval",
			proposal:     &Proposal{ID: "p", ActionType: ActionTerminate, TargetResourceID: "vm-1", RiskLevel: RiskMedium},
			checker:      staticChecker{},
			wantValid:    true,
			wantApproval: true,
		},
		{
			name:         "impact exactly at threshold",
			proposal:     &Proposal{ID: "p", ActionType: ActionTerminate, TargetResourceID: "vm-1", RiskLevel: RiskLow, EstimatedImpact: 1000},
			checker:      staticChecker{},
			wantValid:    true,
			wantApproval: false,
		},
		{
			name:         "negative impact above threshold",
			proposal:     &Proposal{ID: "p", ActionType: ActionTerminate, TargetResourceID: "vm-1", RiskLevel: RiskLow, EstimatedImpact: -1000.5},
			checker:      staticChecker{},
			wantValid:    true,
			wantApproval: true,
		},
		{
			name:     "missing executor",
			proposal: &Proposal{ID: "p", ActionType: ActionHibernate, TargetResourceID: "vm-1", RiskLevel: RiskLow},
			wantCode: ErrCodeExecutorNotFound,
		},
		{
			name:     "stageable needs staged executor",
			proposal: &Proposal{ID: "p", ActionType: ActionRightsize, TargetResourceID: "vm-1", RiskLevel: RiskLow, Stageable: true},
			wantCode: ErrCodeConfiguration,
		},
		{
			name:     "bad risk level",
			proposal: &Proposal{ID: "p", ActionType: ActionTerminate, TargetResourceID: "vm-1", RiskLevel: "extreme"},
			wantCode: ErrCodeValidation,
		},
		{
			name: "bad stages parameter",
			proposal: &Proposal{ID: "p", ActionType: ActionConfigFix, TargetResourceID: "vm-1", RiskLevel: RiskLow, Stageable: true,
				Parameters: map[string]interface{}{"stages": []interface{}{50.0, 20.0}}},
			wantCode: ErrCodeValidation,
		},
		{
			name: "bad monitor duration",
			proposal: &Proposal{ID: "p", ActionType: ActionConfigFix, TargetResourceID: "vm-1", RiskLevel: RiskLow, Stageable: true,
				Parameters: map[string]interface{}{"monitor_duration": "soon"}},
			wantCode: ErrCodeValidation,
		},
		{
			name:        "resource missing",
			proposal:    lowRiskProposal("p", "vm-gone"),
			checker:     staticChecker{missing: map[string]bool{"vm-gone": true}},
			wantCode:    ErrCodeValidation,
			overridable: true,
		},
		{
			name:        "checker error",
			proposal:    lowRiskProposal("p", "vm-1"),
			checker:     staticChecker{err: errors.New("api down")},
			wantCode:    ErrCodeValidation,
			overridable: true,
		},
		{
			name:     "policy denies",
			proposal: lowRiskProposal("p", "vm-1"),
			checker:  staticChecker{},
			policy: stubPolicy{decision: &PolicyDecision{Allowed: false, Violations: []PolicyViolation{
				{Policy: "blast_radius", Message: "production terminate", Severity: "error"},
			}}},
			wantCode:    ErrCodeValidation,
			overridable: true,
		},
		{
			name:     "policy critical",
			proposal: lowRiskProposal("p", "vm-1"),
			checker:  staticChecker{},
			policy: stubPolicy{decision: &PolicyDecision{Allowed: false, Violations: []PolicyViolation{
				{Policy: "destructive-force", Message: "terminate on a high risk proposal cannot be forced", Severity: "critical"},
			}}},
			wantCode:    ErrCodeValidation,
			overridable: false,
		},
		{
			name:     "policy warning only",
			proposal: lowRiskProposal("p", "vm-1"),
			checker:  staticChecker{},
			policy: stubPolicy{decision: &PolicyDecision{Allowed: true, Violations: []PolicyViolation{
				{Policy: "business_hours", Message: "outside change window", Severity: "warning"},
			}}},
			wantValid:   true,
			wantWarning: "business_hours",
		},
		{
			name:        "policy error",
			proposal:    lowRiskProposal("p", "vm-1"),
			checker:     staticChecker{},
			policy:      stubPolicy{err: errors.New("rego failed")},
			wantCode:    ErrCodeValidation,
			overridable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, NewMemoryStore(), tt.checker, tt.policy)
			result, err := v.Validate(context.Background(), pendingExecution("exec-1", tt.proposal, time.Now()))
			if err != nil {
				t.Fatalf("Validate returned infrastructure error: %v", err)
			}
			if result.Valid != tt.wantValid {
				t.Fatalf("Expected valid=%t, got %t (errors: %v)", tt.wantValid, result.Valid, result.Errors)
			}
			if tt.wantValid {
				if result.RequiresApproval != tt.wantApproval {
					t.Errorf("Expected requires_approval=%t, got %t", tt.wantApproval, result.RequiresApproval)
				}
				if result.Err() != nil {
					t.Errorf("Expected nil Err for valid result, got %v", result.Err())
				}
			} else {
				if code := ErrorCode(result.Err()); code != tt.wantCode {
					t.Errorf("Expected code %s, got %s (%v)", tt.wantCode, code, result.Err())
				}
				if result.Overridable() != tt.overridable {
					t.Errorf("Expected overridable=%t, got %t", tt.overridable, result.Overridable())
				}
			}
			if tt.wantWarning != "" && !strings.Contains(strings.Join(result.Warnings, "\n"), tt.wantWarning) {
				t.Errorf("Expected warning containing %q, got %v", tt.wantWarning, result.Warnings)
			}
		})
	}
}

func TestValidator_EarliestExecutionWins(t *testing.T) {
	store := NewMemoryStore()
	v := newTestValidator(t, store, staticChecker{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	older := pendingExecution("exec-b", lowRiskProposal("p1", "vm-1"), now)
	newer := pendingExecution("exec-a", lowRiskProposal("p2", "vm-1"), now.Add(time.Millisecond))
	tied := pendingExecution("exec-c", lowRiskProposal("p3", "vm-1"), now)
	for _, exec := range []*Execution{older, newer, tied} {
		cp, _ := NewCheckpoint(exec)
		if _, err := store.Put(ctx, cp, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	tests := []struct {
		exec         *Execution
		wantConflict bool
	}{
		{exec: older, wantConflict: false},
		{exec: newer, wantConflict: true},
		{exec: tied, wantConflict: true},
	}
	for _, tt := range tests {
		result, err := v.Validate(ctx, tt.exec)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if result.Conflict != tt.wantConflict {
			t.Errorf("%s: expected conflict=%t, got %t (%v)", tt.exec.ID, tt.wantConflict, result.Conflict, result.Errors)
		}
		if tt.wantConflict && !IsConflict(result.Err()) {
			t.Errorf("%s: expected a conflict error, got %v", tt.exec.ID, result.Err())
		}
		if tt.wantConflict && result.Overridable() {
			t.Errorf("%s: expected a conflict to block force", tt.exec.ID)
		}
	}
}

func TestValidator_TerminalExecutionsDoNotConflict(t *testing.T) {
	store := NewMemoryStore()
	v := newTestValidator(t, store, staticChecker{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	done := pendingExecution("exec-old", lowRiskProposal("p1", "vm-1"), now.Add(-time.Hour))
	done.Status = StatusCompleted
	cp, _ := NewCheckpoint(done)
	if _, err := store.Put(ctx, cp, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	result, err := v.Validate(ctx, pendingExecution("exec-new", lowRiskProposal("p2", "vm-1"), now))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("Expected no conflict with a completed execution, got %v", result.Errors)
	}
}

func TestParseStages(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    []int
		wantErr bool
	}{
		{name: "json numbers", raw: []interface{}{10.0, 50.0, 100.0}, want: []int{10, 50, 100}},
		{name: "yaml ints", raw: []interface{}{25, 100}, want: []int{25, 100}},
		{name: "int slice", raw: []int{100}, want: []int{100}},
		{name: "fraction", raw: []interface{}{12.5, 100.0}, wantErr: true},
		{name: "not ending at 100", raw: []interface{}{10.0, 50.0}, wantErr: true},
		{name: "decreasing", raw: []interface{}{50.0, 10.0, 100.0}, wantErr: true},
		{name: "zero", raw: []interface{}{0.0, 100.0}, wantErr: true},
		{name: "over 100", raw: []interface{}{50.0, 150.0}, wantErr: true},
		{name: "empty", raw: []interface{}{}, wantErr: true},
		{name: "wrong type", raw: "10,50,100", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStages(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%t, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}
