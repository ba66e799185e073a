package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func testExecution(action engine.ActionType, risk engine.RiskLevel, impact float64) *engine.Execution {
	return &engine.Execution{
		ID:         "exec-1",
		ProposalID: "prop-1",
		Proposal: &engine.Proposal{
			ID:               "prop-1",
			ActionType:       action,
			TargetResourceID: "k8s:default/deployment/api",
			EstimatedImpact:  impact,
			RiskLevel:        risk,
		},
		SubmittedBy: "alice",
	}
}

func hasViolation(decision *engine.PolicyDecision, policy string) bool {
	for _, v := range decision.Violations {
		if v.Policy == policy {
			return true
		}
	}
	return false
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"blast-radius",
		"destructive-force",
		"staged-reservation",
		"first-stage-limit",
		"protected-resources",
		"unstaged-high-risk",
	}

	for _, expected := range expectedPolicies {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				if !p.Builtin {
					t.Errorf("Expected %s to be marked built-in", expected)
				}
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestEvaluateProposal_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.SetLimits(context.Background(), Limits{
		MaxImpact:             map[string]float64{"low": 1000, "medium": 10000, "high": 100000},
		MaxFirstStageHighRisk: 10,
		DefaultStages:         []int{10, 50, 100},
		ProtectedPrefixes:     []string{"k8s:kube-system/"},
	}); err != nil {
		t.Fatalf("SetLimits failed: %v", err)
	}

	tests := []struct {
		name          string
		exec          func() *engine.Execution
		expectAllowed bool
		expectPolicy  string
	}{
		{
			name:          "low risk within limit",
			exec:          func() *engine.Execution { return testExecution(engine.ActionRightsize, engine.RiskLow, -500) },
			expectAllowed: true,
		},
		{
			name:          "low risk over impact limit",
			exec:          func() *engine.Execution { return testExecution(engine.ActionRightsize, engine.RiskLow, -1500) },
			expectAllowed: false,
			expectPolicy:  "blast-radius",
		},
		{
			name: "forced destructive high risk",
			exec: func() *engine.Execution {
				x := testExecution(engine.ActionTerminate, engine.RiskHigh, 10)
				x.Force = true
				x.Proposal.Stageable = true
				return x
			},
			expectAllowed: false,
			expectPolicy:  "destructive-force",
		},
		{
			name: "staged reservation",
			exec: func() *engine.Execution {
				x := testExecution(engine.ActionReservePurchase, engine.RiskMedium, 10)
				x.Proposal.Stageable = true
				return x
			},
			expectAllowed: false,
			expectPolicy:  "staged-reservation",
		},
		{
			name: "high risk first stage too large",
			exec: func() *engine.Execution {
				x := testExecution(engine.ActionAutoscale, engine.RiskHigh, 10)
				x.Proposal.Stageable = true
				x.Proposal.Parameters = map[string]interface{}{"stages": []interface{}{25.0, 100.0}}
				return x
			},
			expectAllowed: false,
			expectPolicy:  "first-stage-limit",
		},
		{
			name: "high risk default stages",
			exec: func() *engine.Execution {
				x := testExecution(engine.ActionAutoscale, engine.RiskHigh, 10)
				x.Proposal.Stageable = true
				return x
			},
			expectAllowed: true,
		},
		{
			name: "protected target",
			exec: func() *engine.Execution {
				x := testExecution(engine.ActionHibernate, engine.RiskMedium, 10)
				x.Proposal.TargetResourceID = "k8s:kube-system/deployment/coredns"
				return x
			},
			expectAllowed: false,
			expectPolicy:  "protected-resources",
		},
		{
			name:          "unstaged high risk only warns",
			exec:          func() *engine.Execution { return testExecution(engine.ActionRightsize, engine.RiskHigh, 10) },
			expectAllowed: true,
			expectPolicy:  "unstaged-high-risk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateProposal(context.Background(), tt.exec())
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if tt.expectPolicy != "" && !hasViolation(decision, tt.expectPolicy) {
				t.Errorf("Expected a %s violation, got %+v", tt.expectPolicy, decision.Violations)
			}
			if tt.expectPolicy == "" && len(decision.Violations) != 0 {
				t.Errorf("Expected no violations, got %+v", decision.Violations)
			}
		})
	}
}

func TestEvaluateProposal_ViolationHandler(t *testing.T) {
	var got []string
	eng := newTestEngine(t, WithViolationHandler(func(executionID, resourceID string, v PolicyViolation) {
		got = append(got, executionID+"|"+resourceID+"|"+v.Policy+"|"+string(v.Severity))
	}))

	if _, err := eng.EvaluateProposal(context.Background(), testExecution(engine.ActionRightsize, engine.RiskLow, 5000)); err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	want := "exec-1|k8s:default/deployment/api|blast-radius|error"
	if len(got) != 1 || got[0] != want {
		t.Errorf("Expected [%s], got %v", want, got)
	}
}

func TestEvaluateProposal_RequiresProposal(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluateProposal(context.Background(), &engine.Execution{ID: "x"}); err == nil {
		t.Error("Expected error for execution without proposal")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	exec := testExecution(engine.ActionRightsize, engine.RiskLow, 5000)

	if err := eng.DisablePolicy("blast-radius"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy("blast-radius")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	decision, err := eng.EvaluateProposal(context.Background(), exec)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %+v", decision.Violations)
	}

	if err := eng.EnablePolicy("blast-radius"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	decision, err = eng.EvaluateProposal(context.Background(), exec)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	custom := `package acme.change_freeze

# Blocks changes submitted by the release bot.
deny contains violation if {
	input.context.user == "release-bot"
	violation := {"message": "release-bot may not submit changes", "severity": "error"}
}
`
	if err := os.WriteFile(filepath.Join(dir, "change-freeze.rego"), []byte(custom), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	exec := testExecution(engine.ActionRightsize, engine.RiskLow, 10)
	exec.SubmittedBy = "release-bot"
	decision, err := eng.EvaluateProposal(context.Background(), exec)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed || !hasViolation(decision, "change-freeze") {
		t.Errorf("Expected change-freeze to deny, got %+v", decision)
	}

	// Reload keeps the custom policy.
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if _, err := eng.GetPolicy("change-freeze"); err != nil {
		t.Errorf("Expected custom policy after reload: %v", err)
	}
}

func TestReplacePolicies_BrokenPolicyKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)
	good := Policy{Name: "good", Rego: "package good\n\ndeny contains \"never\" if { false }\n", Severity: SeverityError, Enabled: true}
	if err := eng.ReplacePolicies(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("Failed to install policy: %v", err)
	}

	broken := Policy{Name: "broken", Rego: "package broken\n\ndeny[", Severity: SeverityError, Enabled: true}
	err := eng.ReplacePolicies(context.Background(), []Policy{broken})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the policy, got %v", err)
	}
	if _, err := eng.GetPolicy("good"); err != nil {
		t.Errorf("Expected previous policy to stay active: %v", err)
	}
	if _, err := eng.GetPolicy("blast-radius"); err != nil {
		t.Errorf("Expected built-in policy to stay active: %v", err)
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	if err := eng.DisablePolicy("blast-radius"); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if after := len(eng.ListPolicies()); after != before {
		t.Errorf("Expected %d policies after reload, got %d", before, after)
	}
	p, err := eng.GetPolicy("blast-radius")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if !p.Enabled {
		t.Error("Expected reload to restore built-in defaults")
	}
}

func TestListPolicies(t *testing.T) {
	eng := newTestEngine(t)
	policies := eng.ListPolicies()

	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("Expected policies ordered by name, got %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
	for _, p := range policies {
		if p.Name == "" || p.Rego == "" {
			t.Errorf("Policy has empty name or rego: %+v", p)
		}
	}
}

func TestWatch_RequiresPaths(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Watch(context.Background()); err == nil {
		t.Error("Expected error watching without loaded paths")
	}
}

func TestNewPolicyInput(t *testing.T) {
	exec := testExecution(engine.ActionTerminate, engine.RiskHigh, -42)
	exec.DryRun = true

	input := NewPolicyInput(exec, "production")
	if !input.Proposal.Destructive {
		t.Error("Expected terminate to be destructive")
	}
	if input.Proposal.ActionType != "terminate" || input.Proposal.RiskLevel != "high" {
		t.Errorf("Unexpected proposal input: %+v", input.Proposal)
	}
	if input.Context.User != "alice" || input.Context.Environment != "production" || !input.Context.DryRun {
		t.Errorf("Unexpected context: %+v", input.Context)
	}
}
