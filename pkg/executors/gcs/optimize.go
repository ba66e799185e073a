package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
)

// Storage optimization parameters.
const (
	ParamStorageClass      = "storage_class"
	ParamNearlineAfterDays = "nearline_after_days"
	ParamColdlineAfterDays = "coldline_after_days"
	ParamArchiveAfterDays  = "archive_after_days"
	ParamDeleteAfterDays   = "delete_after_days"
)

// Bucket labels recording which proposal last changed a bucket and the
// default storage class it replaced.
const (
	LabelKey           = "stagehand-key"
	LabelOriginalClass = "stagehand-original-class"
)

var storageClasses = map[string]bool{
	"STANDARD": true,
	"NEARLINE": true,
	"COLDLINE": true,
	"ARCHIVE":  true,
}

// OptimizeExecutor moves a bucket to a cheaper default storage class and
// adds age-based lifecycle rules. The bucket labels remember the original
// class, so a repeated Apply after a crash still restores the true original.
type OptimizeExecutor struct {
	buckets Buckets
	logger  zerolog.Logger
}

// NewOptimizeExecutor creates a storage_optimize executor.
func NewOptimizeExecutor(buckets Buckets, logger zerolog.Logger) *OptimizeExecutor {
	return &OptimizeExecutor{buckets: buckets, logger: logger}
}

type bucketSnapshot struct {
	Target       string            `json:"target"`
	StorageClass string            `json:"storage_class"`
	Lifecycle    storage.Lifecycle `json:"lifecycle"`
}

type optimizeSpec struct {
	storageClass string
	rules        []storage.LifecycleRule
}

func parseOptimize(p *engine.Proposal) (optimizeSpec, error) {
	var spec optimizeSpec
	if class := p.StringParam(ParamStorageClass, ""); class != "" {
		class = strings.ToUpper(class)
		if !storageClasses[class] {
			return spec, engine.NewValidationError(fmt.Sprintf("unknown storage class %q", class)).WithResource(p.TargetResourceID)
		}
		spec.storageClass = class
	}

	transitions := []struct {
		param string
		class string
	}{
		{ParamNearlineAfterDays, "NEARLINE"},
		{ParamColdlineAfterDays, "COLDLINE"},
		{ParamArchiveAfterDays, "ARCHIVE"},
	}
	for _, tr := range transitions {
		days, ok, err := daysParam(p, tr.param)
		if err != nil {
			return spec, err
		}
		if ok {
			spec.rules = append(spec.rules, storage.LifecycleRule{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: tr.class},
				Condition: storage.LifecycleCondition{AgeInDays: days},
			})
		}
	}

	days, ok, err := daysParam(p, ParamDeleteAfterDays)
	if err != nil {
		return spec, err
	}
	if ok {
		spec.rules = append(spec.rules, storage.LifecycleRule{
			Action:    storage.LifecycleAction{Type: storage.DeleteAction},
			Condition: storage.LifecycleCondition{AgeInDays: days},
		})
	}

	if spec.storageClass == "" && len(spec.rules) == 0 {
		return spec, engine.NewValidationError("storage_optimize needs a storage_class or at least one *_after_days parameter").
			WithResource(p.TargetResourceID)
	}
	return spec, nil
}

func daysParam(p *engine.Proposal, key string) (int64, bool, error) {
	if _, present := p.Parameters[key]; !present {
		return 0, false, nil
	}
	n, ok := p.IntParam(key)
	if !ok || n < 1 {
		return 0, false, engine.NewValidationError(fmt.Sprintf("%s must be a positive number of days", key)).WithResource(p.TargetResourceID)
	}
	return int64(n), true, nil
}

func keyLabel(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func sameRule(a, b storage.LifecycleRule) bool {
	return a.Action.Type == b.Action.Type &&
		a.Action.StorageClass == b.Action.StorageClass &&
		a.Condition.AgeInDays == b.Condition.AgeInDays &&
		len(a.Condition.MatchesStorageClasses) == 0 &&
		len(b.Condition.MatchesStorageClasses) == 0
}

func containsRule(rules []storage.LifecycleRule, r storage.LifecycleRule) bool {
	for _, existing := range rules {
		if sameRule(existing, r) {
			return true
		}
	}
	return false
}

func describeRule(r storage.LifecycleRule) string {
	if r.Action.Type == storage.SetStorageClassAction {
		return fmt.Sprintf("%s after %d days", r.Action.StorageClass, r.Condition.AgeInDays)
	}
	return fmt.Sprintf("%s after %d days", r.Action.Type, r.Condition.AgeInDays)
}

// original returns the bucket state before any change made under key.
func original(attrs *storage.BucketAttrs, key string, spec optimizeSpec) bucketSnapshot {
	snap := bucketSnapshot{
		Target:       Scheme + ":" + attrs.Name,
		StorageClass: attrs.StorageClass,
		Lifecycle:    attrs.Lifecycle,
	}
	if key == "" || attrs.Labels[LabelKey] != keyLabel(key) {
		return snap
	}
	snap.StorageClass = strings.ToUpper(attrs.Labels[LabelOriginalClass])
	snap.Lifecycle = storage.Lifecycle{}
	for _, r := range attrs.Lifecycle.Rules {
		if !containsRule(spec.rules, r) {
			snap.Lifecycle.Rules = append(snap.Lifecycle.Rules, r)
		}
	}
	return snap
}

// Apply implements engine.Executor.
func (e *OptimizeExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	p := req.Proposal
	bucket, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	spec, err := parseOptimize(p)
	if err != nil {
		return nil, err
	}

	attrs, err := e.buckets.Attrs(ctx, bucket)
	if err != nil {
		return nil, classify(err, "storage_optimize", p.TargetResourceID)
	}
	snap := original(attrs, req.IdempotencyKey, spec)
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	var changes []engine.Change
	update := BucketUpdate{MetagenerationMatch: attrs.MetaGeneration}
	if spec.storageClass != "" && attrs.StorageClass != spec.storageClass {
		update.StorageClass = spec.storageClass
		changes = append(changes, engine.Change{
			Resource: p.TargetResourceID,
			Path:     "storageClass",
			Before:   attrs.StorageClass,
			After:    spec.storageClass,
		})
	}

	lifecycle := storage.Lifecycle{Rules: append([]storage.LifecycleRule(nil), attrs.Lifecycle.Rules...)}
	for _, r := range spec.rules {
		if containsRule(lifecycle.Rules, r) {
			continue
		}
		lifecycle.Rules = append(lifecycle.Rules, r)
		changes = append(changes, engine.Change{Resource: p.TargetResourceID, Path: "lifecycle.rule", After: describeRule(r)})
	}
	if len(lifecycle.Rules) != len(attrs.Lifecycle.Rules) {
		update.Lifecycle = &lifecycle
	}

	impact := p.EstimatedImpact
	result := &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		ActualImpact: &impact,
		Message:      fmt.Sprintf("bucket %s optimized", bucket),
	}
	if req.DryRun || len(changes) == 0 {
		if req.DryRun {
			result.Message = fmt.Sprintf("would apply %d changes to bucket %s", len(changes), bucket)
		}
		return result, nil
	}

	update.SetLabels = map[string]string{
		LabelKey:           keyLabel(req.IdempotencyKey),
		LabelOriginalClass: strings.ToLower(snap.StorageClass),
	}
	if _, err := e.buckets.Update(ctx, bucket, update); err != nil {
		return nil, classify(err, "storage_optimize", p.TargetResourceID)
	}

	e.logger.Info().
		Str("bucket", bucket).
		Str("storage_class", spec.storageClass).
		Int("rules_added", len(lifecycle.Rules)-len(attrs.Lifecycle.Rules)).
		Msg("Optimized bucket storage")
	return result, nil
}

// Rollback implements engine.Executor.
func (e *OptimizeExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	if len(req.RollbackInfo) == 0 {
		return nil, engine.NewValidationError("rollback info is missing")
	}
	var snap bucketSnapshot
	if err := json.Unmarshal(req.RollbackInfo, &snap); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("rollback info is unreadable: %v", err), err)
	}
	bucket, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	lifecycle := snap.Lifecycle
	update := BucketUpdate{
		StorageClass: snap.StorageClass,
		Lifecycle:    &lifecycle,
		DeleteLabels: []string{LabelKey, LabelOriginalClass},
	}
	if _, err := e.buckets.Update(ctx, bucket, update); err != nil {
		cerr := classify(err, "rollback", snap.Target)
		if engine.HasCode(cerr, engine.ErrCodeNotFound) {
			return &engine.RollbackResult{Unreverted: []string{snap.Target}, Message: "bucket no longer exists"}, nil
		}
		return nil, cerr
	}

	e.logger.Info().Str("bucket", bucket).Str("storage_class", snap.StorageClass).Msg("Restored bucket storage settings")
	return &engine.RollbackResult{Success: true, Message: fmt.Sprintf("bucket %s restored", bucket)}, nil
}

// Checker reports whether buckets exist. It implements engine.ResourceChecker.
type Checker struct {
	buckets Buckets
}

// NewChecker creates a bucket existence checker.
func NewChecker(buckets Buckets) *Checker {
	return &Checker{buckets: buckets}
}

// Exists implements engine.ResourceChecker.
func (c *Checker) Exists(ctx context.Context, resourceID string) (bool, error) {
	bucket, err := ParseTarget(resourceID)
	if err != nil {
		return false, err
	}
	if _, err := c.buckets.Attrs(ctx, bucket); err != nil {
		cerr := classify(err, "exists", resourceID)
		if engine.HasCode(cerr, engine.ErrCodeNotFound) {
			return false, nil
		}
		return false, cerr
	}
	return true, nil
}
