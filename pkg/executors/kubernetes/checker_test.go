package kubernetes

import (
	"context"
	"testing"

	"github.com/stagehand/stagehand/pkg/engine"
)

func TestChecker_Exists(t *testing.T) {
	client, _ := newTestClient(newDeployment("default", "api", 3, "1", "1Gi"))
	checker := NewChecker(client)
	ctx := context.Background()

	ok, err := checker.Exists(ctx, apiTarget)
	if err != nil || !ok {
		t.Errorf("Expected api to exist, got %v, %v", ok, err)
	}

	ok, err = checker.Exists(ctx, "k8s:default/deployment/gone")
	if err != nil || ok {
		t.Errorf("Expected gone to be missing, got %v, %v", ok, err)
	}

	if _, err := checker.Exists(ctx, "ssh:web-1"); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected validation error for foreign target, got %v", err)
	}
}

func TestReadinessProbe(t *testing.T) {
	client, _ := newTestClient(
		newDeployment("default", "api", 4, "1", "1Gi"),
		newStatefulSet("data", "postgres", 4, 3),
		newStatefulSet("data", "idle", 0, 0),
		newStatefulSet("data", "surge", 2, 3),
	)
	probe := NewReadinessProbe(client)

	tests := []struct {
		target string
		want   float64
	}{
		{apiTarget, 100},
		{"k8s:data/statefulset/postgres", 75},
		{"k8s:data/statefulset/idle", 100},
		{"k8s:data/statefulset/surge", 100},
	}
	for _, tt := range tests {
		got, err := probe.ReadHealth(context.Background(), tt.target)
		if err != nil {
			t.Fatalf("ReadHealth(%s) error = %v", tt.target, err)
		}
		if got != tt.want {
			t.Errorf("ReadHealth(%s): Expected %v, got %v", tt.target, tt.want, got)
		}
	}

	if _, err := probe.ReadHealth(context.Background(), "k8s:data/statefulset/missing"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}
