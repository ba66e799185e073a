package kubernetes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stagehand/stagehand/pkg/engine"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

const apiTarget = "k8s:default/deployment/api"

func rightsizeProposal() *engine.Proposal {
	return newProposal(engine.ActionRightsize, apiTarget, map[string]interface{}{
		ParamContainer: "api",
		ParamCPU:       "500m",
		ParamMemory:    "512Mi",
	})
}

func TestRightsize_Apply(t *testing.T) {
	client, cs := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	exec := NewRightsizeExecutor(client)
	ctx := context.Background()
	p := rightsizeProposal()

	result, err := exec.Apply(ctx, engine.ApplyRequest{ExecutionID: "exec-1", Proposal: p, IdempotencyKey: p.ID})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success {
		t.Fatal("Expected success")
	}
	if len(result.Changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d: %+v", len(result.Changes), result.Changes)
	}
	if result.ActualImpact == nil || *result.ActualImpact != p.EstimatedImpact {
		t.Errorf("Expected actual impact %v, got %v", p.EstimatedImpact, result.ActualImpact)
	}

	d := getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceCPU); got != "500m" {
		t.Errorf("Expected cpu 500m, got %s", got)
	}
	if got := containerRequest(d, "api", corev1.ResourceMemory); got != "512Mi" {
		t.Errorf("Expected memory 512Mi, got %s", got)
	}
	if got := containerRequest(d, "sidecar", corev1.ResourceCPU); got != "100m" {
		t.Errorf("Expected sidecar untouched, got %s", got)
	}
	if _, ok := d.Annotations[SnapshotAnnotation]; !ok {
		t.Error("Expected snapshot annotation on the workload")
	}

	var snap resourceSnapshot
	if err := json.Unmarshal(result.RollbackInfo, &snap); err != nil {
		t.Fatalf("rollback info is not a snapshot: %v", err)
	}
	orig := snap.Containers["api"].Requests[corev1.ResourceCPU]
	if orig.String() != "1" {
		t.Errorf("Expected original cpu 1 in snapshot, got %s", orig.String())
	}

	rb, err := exec.Rollback(ctx, engine.RollbackRequest{ExecutionID: "exec-1", Proposal: p, RollbackInfo: result.RollbackInfo})
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if !rb.Success {
		t.Errorf("Expected rollback success, got %+v", rb)
	}

	d = getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceCPU); got != "1" {
		t.Errorf("Expected cpu restored to 1, got %s", got)
	}
	if got := containerRequest(d, "api", corev1.ResourceMemory); got != "1Gi" {
		t.Errorf("Expected memory restored to 1Gi, got %s", got)
	}
	if _, ok := d.Annotations[SnapshotAnnotation]; ok {
		t.Error("Expected snapshot annotation to be cleared")
	}
}

func TestRightsize_RepeatedApplyKeepsOriginal(t *testing.T) {
	client, _ := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	exec := NewRightsizeExecutor(client)
	p := rightsizeProposal()
	req := engine.ApplyRequest{ExecutionID: "exec-1", Proposal: p, IdempotencyKey: p.ID}

	if _, err := exec.Apply(context.Background(), req); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	second, err := exec.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if len(second.Changes) != 0 {
		t.Errorf("Expected no changes on repeat, got %+v", second.Changes)
	}

	var snap resourceSnapshot
	if err := json.Unmarshal(second.RollbackInfo, &snap); err != nil {
		t.Fatalf("rollback info is not a snapshot: %v", err)
	}
	orig := snap.Containers["api"].Requests[corev1.ResourceCPU]
	if orig.String() != "1" {
		t.Errorf("Expected repeated Apply to keep original cpu 1, got %s", orig.String())
	}
}

func TestRightsize_Staged(t *testing.T) {
	client, cs := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	exec := NewRightsizeExecutor(client)
	ctx := context.Background()
	p := rightsizeProposal()
	p.Stageable = true

	prep, err := exec.Apply(ctx, engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID, Staged: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(prep.Changes) != 0 {
		t.Errorf("Expected staged Apply to change nothing, got %+v", prep.Changes)
	}
	if len(prep.RollbackInfo) == 0 {
		t.Fatal("Expected staged Apply to capture rollback info")
	}
	d := getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceCPU); got != "1" {
		t.Errorf("Expected cpu unchanged before stages, got %s", got)
	}

	stages := []struct {
		pct int
		cpu string
	}{
		{10, "950m"},
		{50, "750m"},
		{100, "500m"},
	}
	for _, st := range stages {
		res, err := exec.ApplyStage(ctx, engine.StageRequest{Proposal: p, Percentage: st.pct, RollbackInfo: prep.RollbackInfo})
		if err != nil {
			t.Fatalf("ApplyStage(%d) error = %v", st.pct, err)
		}
		if res.ActualImpact == nil || *res.ActualImpact != p.EstimatedImpact*float64(st.pct)/100 {
			t.Errorf("stage %d: unexpected actual impact %v", st.pct, res.ActualImpact)
		}
		d := getDeployment(t, cs, "default", "api")
		if got := containerRequest(d, "api", corev1.ResourceCPU); got != st.cpu {
			t.Errorf("stage %d: Expected cpu %s, got %s", st.pct, st.cpu, got)
		}
	}

	d = getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceMemory); got != "512Mi" {
		t.Errorf("Expected final memory 512Mi, got %s", got)
	}

	if _, err := exec.Rollback(ctx, engine.RollbackRequest{Proposal: p, RollbackInfo: prep.RollbackInfo}); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	d = getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceCPU); got != "1" {
		t.Errorf("Expected cpu restored to 1, got %s", got)
	}
}

func TestRightsize_DryRun(t *testing.T) {
	client, cs := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	exec := NewRightsizeExecutor(client)
	p := rightsizeProposal()

	result, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID, DryRun: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result.Changes) != 2 {
		t.Errorf("Expected dry run to report 2 changes, got %d", len(result.Changes))
	}

	for _, action := range cs.Actions() {
		if action.GetVerb() == "update" {
			t.Errorf("Expected no updates during dry run, got %s", action.GetVerb())
		}
	}
	d := getDeployment(t, cs, "default", "api")
	if got := containerRequest(d, "api", corev1.ResourceCPU); got != "1" {
		t.Errorf("Expected cpu unchanged, got %s", got)
	}
}

func TestRightsize_InvalidParameters(t *testing.T) {
	client, _ := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	exec := NewRightsizeExecutor(client)

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{name: "no resources", params: map[string]interface{}{}},
		{name: "bad quantity", params: map[string]interface{}{ParamCPU: "lots"}},
		{name: "negative", params: map[string]interface{}{ParamMemory: "-1Gi"}},
		{name: "wrong type", params: map[string]interface{}{ParamCPU: true}},
		{name: "unknown container", params: map[string]interface{}{ParamContainer: "worker", ParamCPU: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProposal(engine.ActionRightsize, apiTarget, tt.params)
			_, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestRightsize_NumericQuantity(t *testing.T) {
	client, cs := newTestClient(newDeployment("default", "api", 3, "2", "1Gi"))
	exec := NewRightsizeExecutor(client)
	p := newProposal(engine.ActionRightsize, apiTarget, map[string]interface{}{ParamContainer: "api", ParamCPU: 1.5})

	if _, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	d := getDeployment(t, cs, "default", "api")
	got := resource.MustParse(containerRequest(d, "api", corev1.ResourceCPU))
	if got.MilliValue() != 1500 {
		t.Errorf("Expected cpu 1500m, got %s", got.String())
	}
}

func TestRightsize_ThrottledUpdate(t *testing.T) {
	client, cs := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	cs.PrependReactor("update", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("slow down", 2)
	})
	exec := NewRightsizeExecutor(client)
	p := rightsizeProposal()

	_, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
	if !engine.IsThrottled(err) {
		t.Errorf("Expected throttled error, got %v", err)
	}
}

func TestRightsize_MissingWorkload(t *testing.T) {
	client, _ := newTestClient()
	exec := NewRightsizeExecutor(client)
	p := rightsizeProposal()

	_, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}

	info, _ := json.Marshal(resourceSnapshot{Target: apiTarget})
	rb, err := exec.Rollback(context.Background(), engine.RollbackRequest{Proposal: p, RollbackInfo: info})
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if rb.Success || len(rb.Unreverted) != 1 || rb.Unreverted[0] != apiTarget {
		t.Errorf("Expected unreverted target, got %+v", rb)
	}
}

func TestInterpolateQuantity(t *testing.T) {
	from := resource.MustParse("2")
	to := resource.MustParse("1")

	tests := []struct {
		pct  int
		want string
	}{
		{0, "2"},
		{25, "1750m"},
		{50, "1500m"},
		{100, "1"},
	}
	for _, tt := range tests {
		got := interpolateQuantity(corev1.ResourceCPU, from, to, true, tt.pct)
		if got.String() != tt.want {
			t.Errorf("pct %d: Expected %s, got %s", tt.pct, tt.want, got.String())
		}
	}

	got := interpolateQuantity(corev1.ResourceCPU, from, to, false, 10)
	if got.String() != "1" {
		t.Errorf("Expected target when no original exists, got %s", got.String())
	}
}
