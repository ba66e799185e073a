package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
	"google.golang.org/api/googleapi"
)

// fakeBuckets is an in-memory Buckets with metageneration checks.
type fakeBuckets struct {
	buckets   map[string]*storage.BucketAttrs
	updates   int
	updateErr error
}

func newFakeBuckets(attrs ...*storage.BucketAttrs) *fakeBuckets {
	f := &fakeBuckets{buckets: map[string]*storage.BucketAttrs{}}
	for _, a := range attrs {
		if a.MetaGeneration == 0 {
			a.MetaGeneration = 1
		}
		f.buckets[a.Name] = a
	}
	return f
}

func (f *fakeBuckets) Attrs(ctx context.Context, bucket string) (*storage.BucketAttrs, error) {
	a, ok := f.buckets[bucket]
	if !ok {
		return nil, storage.ErrBucketNotExist
	}
	cp := *a
	cp.Lifecycle.Rules = append([]storage.LifecycleRule(nil), a.Lifecycle.Rules...)
	cp.Labels = map[string]string{}
	for k, v := range a.Labels {
		cp.Labels[k] = v
	}
	return &cp, nil
}

func (f *fakeBuckets) Update(ctx context.Context, bucket string, u BucketUpdate) (*storage.BucketAttrs, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	a, ok := f.buckets[bucket]
	if !ok {
		return nil, storage.ErrBucketNotExist
	}
	if u.MetagenerationMatch != 0 && u.MetagenerationMatch != a.MetaGeneration {
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "conditionNotMet"}
	}
	f.updates++
	if u.StorageClass != "" {
		a.StorageClass = u.StorageClass
	}
	if u.Lifecycle != nil {
		a.Lifecycle = *u.Lifecycle
	}
	if a.Labels == nil {
		a.Labels = map[string]string{}
	}
	for k, v := range u.SetLabels {
		a.Labels[k] = v
	}
	for _, k := range u.DeleteLabels {
		delete(a.Labels, k)
	}
	a.MetaGeneration++
	return f.Attrs(ctx, bucket)
}

var keepRule = storage.LifecycleRule{
	Action:    storage.LifecycleAction{Type: storage.DeleteAction},
	Condition: storage.LifecycleCondition{NumNewerVersions: 3},
}

func newBucket() *storage.BucketAttrs {
	return &storage.BucketAttrs{
		Name:         "logs-archive",
		StorageClass: "STANDARD",
		Lifecycle:    storage.Lifecycle{Rules: []storage.LifecycleRule{keepRule}},
	}
}

func newOptimizeProposal(params map[string]interface{}) *engine.Proposal {
	return &engine.Proposal{
		ID:               "prop-gcs",
		ActionType:       engine.ActionStorageOptimize,
		TargetResourceID: "gcs:logs-archive",
		Parameters:       params,
		EstimatedImpact:  -320,
		RiskLevel:        engine.RiskLow,
	}
}

func TestOptimize_ApplyAndRollback(t *testing.T) {
	buckets := newFakeBuckets(newBucket())
	exec := NewOptimizeExecutor(buckets, zerolog.Nop())
	ctx := context.Background()
	p := newOptimizeProposal(map[string]interface{}{
		ParamStorageClass:     "nearline",
		ParamArchiveAfterDays: 90,
		ParamDeleteAfterDays:  365,
	})

	result, err := exec.Apply(ctx, engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result.Changes) != 3 {
		t.Fatalf("Expected 3 changes, got %+v", result.Changes)
	}
	if result.ActualImpact == nil || *result.ActualImpact != -320 {
		t.Errorf("Expected actual impact -320, got %v", result.ActualImpact)
	}

	b := buckets.buckets["logs-archive"]
	if b.StorageClass != "NEARLINE" {
		t.Errorf("Expected NEARLINE, got %s", b.StorageClass)
	}
	if len(b.Lifecycle.Rules) != 3 {
		t.Errorf("Expected 3 lifecycle rules, got %+v", b.Lifecycle.Rules)
	}
	if b.Labels[LabelOriginalClass] != "standard" || b.Labels[LabelKey] != keyLabel(p.ID) {
		t.Errorf("Expected recovery labels, got %v", b.Labels)
	}

	rb, err := exec.Rollback(ctx, engine.RollbackRequest{Proposal: p, RollbackInfo: result.RollbackInfo})
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if !rb.Success {
		t.Errorf("Expected rollback success, got %+v", rb)
	}
	b = buckets.buckets["logs-archive"]
	if b.StorageClass != "STANDARD" {
		t.Errorf("Expected STANDARD restored, got %s", b.StorageClass)
	}
	if len(b.Lifecycle.Rules) != 1 || !sameRule(b.Lifecycle.Rules[0], keepRule) {
		t.Errorf("Expected original lifecycle restored, got %+v", b.Lifecycle.Rules)
	}
	if _, ok := b.Labels[LabelKey]; ok {
		t.Error("Expected recovery labels to be removed")
	}
}

func TestOptimize_RepeatedApplyKeepsOriginal(t *testing.T) {
	buckets := newFakeBuckets(newBucket())
	exec := NewOptimizeExecutor(buckets, zerolog.Nop())
	ctx := context.Background()
	p := newOptimizeProposal(map[string]interface{}{ParamStorageClass: "COLDLINE", ParamDeleteAfterDays: 30})
	req := engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID}

	if _, err := exec.Apply(ctx, req); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	second, err := exec.Apply(ctx, req)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if len(second.Changes) != 0 {
		t.Errorf("Expected no changes on repeat, got %+v", second.Changes)
	}
	if buckets.updates != 1 {
		t.Errorf("Expected a single update, got %d", buckets.updates)
	}

	var snap bucketSnapshot
	if err := json.Unmarshal(second.RollbackInfo, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.StorageClass != "STANDARD" || len(snap.Lifecycle.Rules) != 1 {
		t.Errorf("Expected snapshot of the original bucket, got %+v", snap)
	}
}

func TestOptimize_DryRun(t *testing.T) {
	buckets := newFakeBuckets(newBucket())
	exec := NewOptimizeExecutor(buckets, zerolog.Nop())
	p := newOptimizeProposal(map[string]interface{}{ParamStorageClass: "ARCHIVE"})

	result, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID, DryRun: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(result.Changes) != 1 || result.Changes[0].After != "ARCHIVE" {
		t.Errorf("Expected planned class change, got %+v", result.Changes)
	}
	if buckets.updates != 0 {
		t.Errorf("Expected no updates, got %d", buckets.updates)
	}
}

func TestOptimize_InvalidParameters(t *testing.T) {
	exec := NewOptimizeExecutor(newFakeBuckets(newBucket()), zerolog.Nop())

	tests := []struct {
		name   string
		target string
		params map[string]interface{}
	}{
		{name: "nothing to do", target: "gcs:logs-archive", params: map[string]interface{}{}},
		{name: "unknown class", target: "gcs:logs-archive", params: map[string]interface{}{ParamStorageClass: "GLACIER"}},
		{name: "zero days", target: "gcs:logs-archive", params: map[string]interface{}{ParamDeleteAfterDays: 0}},
		{name: "days not a number", target: "gcs:logs-archive", params: map[string]interface{}{ParamArchiveAfterDays: "soon"}},
		{name: "bad target", target: "s3://logs", params: map[string]interface{}{ParamStorageClass: "ARCHIVE"}},
		{name: "object path", target: "gcs:logs/2024", params: map[string]interface{}{ParamStorageClass: "ARCHIVE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOptimizeProposal(tt.params)
			p.TargetResourceID = tt.target
			_, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestOptimize_Errors(t *testing.T) {
	p := newOptimizeProposal(map[string]interface{}{ParamStorageClass: "ARCHIVE"})

	exec := NewOptimizeExecutor(newFakeBuckets(), zerolog.Nop())
	_, err := exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	info, _ := json.Marshal(bucketSnapshot{Target: "gcs:logs-archive", StorageClass: "STANDARD"})
	rb, err := exec.Rollback(context.Background(), engine.RollbackRequest{Proposal: p, RollbackInfo: info})
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if rb.Success || len(rb.Unreverted) != 1 {
		t.Errorf("Expected unreverted bucket, got %+v", rb)
	}

	buckets := newFakeBuckets(newBucket())
	buckets.updateErr = &googleapi.Error{Code: http.StatusTooManyRequests}
	exec = NewOptimizeExecutor(buckets, zerolog.Nop())
	_, err = exec.Apply(context.Background(), engine.ApplyRequest{Proposal: p, IdempotencyKey: p.ID})
	if !engine.IsThrottled(err) {
		t.Errorf("Expected throttled error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  string
	}{
		{"missing bucket", storage.ErrBucketNotExist, engine.IsPermanent, engine.ErrCodeNotFound},
		{"rate limited", &googleapi.Error{Code: 429}, engine.IsThrottled, ""},
		{"precondition", &googleapi.Error{Code: 412}, engine.IsTransient, engine.ErrCodeConflict},
		{"server error", &googleapi.Error{Code: 503}, engine.IsTransient, ""},
		{"forbidden", &googleapi.Error{Code: 403}, engine.IsPermanent, ""},
		{"deadline", context.DeadlineExceeded, engine.IsTransient, engine.ErrCodeTimeout},
		{"network", errors.New("connection reset"), engine.IsTransient, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, "apply", "gcs:b")
			if !tt.check(got) {
				t.Errorf("Unexpected class: %v", got)
			}
			if tt.code != "" && !engine.HasCode(got, tt.code) {
				t.Errorf("Expected code %s, got %s", tt.code, engine.ErrorCode(got))
			}
		})
	}
}

func TestChecker_Exists(t *testing.T) {
	checker := NewChecker(newFakeBuckets(newBucket()))

	ok, err := checker.Exists(context.Background(), "gcs:logs-archive")
	if err != nil || !ok {
		t.Errorf("Expected bucket to exist, got %v, %v", ok, err)
	}
	ok, err = checker.Exists(context.Background(), "gcs:other")
	if err != nil || ok {
		t.Errorf("Expected missing bucket, got %v, %v", ok, err)
	}
}
