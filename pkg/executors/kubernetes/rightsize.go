package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/stagehand/stagehand/pkg/engine"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Rightsize parameters.
const (
	ParamContainer   = "container"
	ParamCPU         = "cpu"
	ParamMemory      = "memory"
	ParamCPULimit    = "cpu_limit"
	ParamMemoryLimit = "memory_limit"
)

// RightsizeExecutor changes container resource requests and limits. Staged
// rollouts move every value linearly from the original towards the target,
// so a 10% stage applies a tenth of the reduction.
type RightsizeExecutor struct {
	client *Client
}

// NewRightsizeExecutor creates a rightsize executor.
func NewRightsizeExecutor(client *Client) *RightsizeExecutor {
	return &RightsizeExecutor{client: client}
}

type resourceSnapshot struct {
	Target     string                                 `json:"target"`
	Containers map[string]corev1.ResourceRequirements `json:"containers"`
}

type rightsizeSpec struct {
	container string
	requests  corev1.ResourceList
	limits    corev1.ResourceList
}

func parseRightsize(p *engine.Proposal) (rightsizeSpec, error) {
	spec := rightsizeSpec{
		container: p.StringParam(ParamContainer, ""),
		requests:  corev1.ResourceList{},
		limits:    corev1.ResourceList{},
	}

	fields := []struct {
		param string
		list  corev1.ResourceList
		name  corev1.ResourceName
	}{
		{ParamCPU, spec.requests, corev1.ResourceCPU},
		{ParamMemory, spec.requests, corev1.ResourceMemory},
		{ParamCPULimit, spec.limits, corev1.ResourceCPU},
		{ParamMemoryLimit, spec.limits, corev1.ResourceMemory},
	}
	for _, f := range fields {
		q, ok, err := quantityParam(p, f.param)
		if err != nil {
			return spec, err
		}
		if ok {
			f.list[f.name] = q
		}
	}

	if len(spec.requests) == 0 && len(spec.limits) == 0 {
		return spec, engine.NewValidationError("rightsize needs at least one of cpu, memory, cpu_limit or memory_limit").
			WithResource(p.TargetResourceID)
	}
	return spec, nil
}

func quantityParam(p *engine.Proposal, key string) (resource.Quantity, bool, error) {
	var s string
	switch v := p.Parameters[key].(type) {
	case nil:
		return resource.Quantity{}, false, nil
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return resource.Quantity{}, false, engine.NewValidationError(fmt.Sprintf("parameter %s: unsupported type %T", key, v))
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}, false, engine.NewValidationError(fmt.Sprintf("parameter %s: %v", key, err)).WithResource(p.TargetResourceID)
	}
	if q.Sign() <= 0 {
		return resource.Quantity{}, false, engine.NewValidationError(fmt.Sprintf("parameter %s must be positive", key)).WithResource(p.TargetResourceID)
	}
	return q, true, nil
}

func captureResources(w *workload) resourceSnapshot {
	snap := resourceSnapshot{
		Target:     w.target.String(),
		Containers: make(map[string]corev1.ResourceRequirements, len(w.template.Spec.Containers)),
	}
	for _, c := range w.template.Spec.Containers {
		snap.Containers[c.Name] = *c.Resources.DeepCopy()
	}
	return snap
}

// Apply implements engine.Executor.
func (e *RightsizeExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	pct := 100
	if req.Staged {
		// Stages do the work; Apply only records the original resources.
		pct = 0
	}
	return e.apply(ctx, req.Proposal, req.IdempotencyKey, pct, req.DryRun, nil)
}

// ApplyStage implements engine.StagedExecutor.
func (e *RightsizeExecutor) ApplyStage(ctx context.Context, req engine.StageRequest) (*engine.ApplyResult, error) {
	var snap *resourceSnapshot
	if len(req.RollbackInfo) > 0 {
		snap = &resourceSnapshot{}
		if err := decodeRollbackInfo(req.RollbackInfo, snap); err != nil {
			return nil, err
		}
	}
	return e.apply(ctx, req.Proposal, req.Proposal.ID, req.Percentage, req.DryRun, snap)
}

func (e *RightsizeExecutor) apply(ctx context.Context, p *engine.Proposal, key string, pct int, dryRun bool, snap *resourceSnapshot) (*engine.ApplyResult, error) {
	t, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	spec, err := parseRightsize(p)
	if err != nil {
		return nil, err
	}

	var (
		raw     json.RawMessage
		changes []engine.Change
	)
	change := func(w *workload) error {
		original := snap
		if original == nil {
			s, r, err := loadSnapshot(w, key, captureResources)
			if err != nil {
				return err
			}
			original, raw = &s, r
		}
		var serr error
		changes, serr = setResources(w, spec, original.Containers, pct)
		return serr
	}

	if dryRun {
		w, err := e.client.getWorkload(ctx, t)
		if err != nil {
			return nil, classify(err, "rightsize", p.TargetResourceID)
		}
		if err := change(w); err != nil {
			return nil, classify(err, "rightsize", p.TargetResourceID)
		}
	} else if err := e.client.mutate(ctx, t, change); err != nil {
		return nil, classify(err, "rightsize", p.TargetResourceID)
	}

	result := &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		Message:      fmt.Sprintf("resources set to %d%% of target on %s", pct, t),
	}
	if pct > 0 {
		result.ActualImpact = scaledImpact(p, pct)
	}

	e.client.logger.Info().
		Str("target", t.String()).
		Int("percentage", pct).
		Int("changes", len(changes)).
		Bool("dry_run", dryRun).
		Msg("Rightsized workload")
	return result, nil
}

// setResources moves the selected containers pct of the way from original to spec.
func setResources(w *workload, spec rightsizeSpec, original map[string]corev1.ResourceRequirements, pct int) ([]engine.Change, error) {
	if pct <= 0 {
		return nil, nil
	}

	var changes []engine.Change
	matched := false
	for i := range w.template.Spec.Containers {
		c := &w.template.Spec.Containers[i]
		if spec.container != "" && c.Name != spec.container {
			continue
		}
		matched = true
		orig := original[c.Name]

		for _, part := range []struct {
			field  string
			target corev1.ResourceList
			from   corev1.ResourceList
			list   *corev1.ResourceList
		}{
			{"requests", spec.requests, orig.Requests, &c.Resources.Requests},
			{"limits", spec.limits, orig.Limits, &c.Resources.Limits},
		} {
			for _, name := range sortedNames(part.target) {
				to := part.target[name]
				from, hasFrom := part.from[name]
				next := interpolateQuantity(name, from, to, hasFrom, pct)

				if *part.list == nil {
					*part.list = corev1.ResourceList{}
				}
				current, hasCurrent := (*part.list)[name]
				if hasCurrent && current.Cmp(next) == 0 {
					continue
				}
				(*part.list)[name] = next

				ch := engine.Change{
					Resource: w.target.String(),
					Path:     fmt.Sprintf("spec.template.spec.containers[%s].resources.%s.%s", c.Name, part.field, name),
					After:    next.String(),
				}
				if hasCurrent {
					ch.Before = current.String()
				}
				changes = append(changes, ch)
			}
		}
	}

	if !matched {
		return nil, engine.NewValidationError(fmt.Sprintf("container %q not found", spec.container)).WithResource(w.target.String())
	}
	return changes, nil
}

func interpolateQuantity(name corev1.ResourceName, from, to resource.Quantity, hasFrom bool, pct int) resource.Quantity {
	if !hasFrom || pct >= 100 {
		return to.DeepCopy()
	}
	if name == corev1.ResourceCPU {
		a, b := from.MilliValue(), to.MilliValue()
		return *resource.NewMilliQuantity(a+(b-a)*int64(pct)/100, to.Format)
	}
	a, b := from.Value(), to.Value()
	return *resource.NewQuantity(a+(b-a)*int64(pct)/100, to.Format)
}

func sortedNames(list corev1.ResourceList) []corev1.ResourceName {
	names := make([]corev1.ResourceName, 0, len(list))
	for name := range list {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Rollback implements engine.Executor.
func (e *RightsizeExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	var snap resourceSnapshot
	if err := decodeRollbackInfo(req.RollbackInfo, &snap); err != nil {
		return nil, err
	}
	t, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	err = e.client.mutate(ctx, t, func(w *workload) error {
		for i := range w.template.Spec.Containers {
			c := &w.template.Spec.Containers[i]
			if orig, ok := snap.Containers[c.Name]; ok {
				c.Resources = *orig.DeepCopy()
			}
		}
		clearSnapshot(w)
		return nil
	})
	if err != nil {
		cerr := classify(err, "rollback", snap.Target)
		if engine.HasCode(cerr, engine.ErrCodeNotFound) {
			return &engine.RollbackResult{Unreverted: []string{snap.Target}, Message: "workload no longer exists"}, nil
		}
		return nil, cerr
	}

	e.client.logger.Info().Str("target", snap.Target).Msg("Restored container resources")
	return &engine.RollbackResult{Success: true, Message: "container resources restored"}, nil
}
