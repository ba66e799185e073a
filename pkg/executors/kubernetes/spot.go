package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stagehand/stagehand/pkg/engine"
	corev1 "k8s.io/api/core/v1"
)

// Spot migration parameters.
const (
	ParamNodeSelector = "node_selector"
	ParamToleration   = "toleration"
)

// SpotMigrateExecutor moves a workload's pods onto spot capacity by adding a
// node selector and a matching toleration to its pod template. The workload
// controller's own rolling update replaces the pods.
type SpotMigrateExecutor struct {
	client       *Client
	nodeSelector map[string]string
	toleration   string
}

// NewSpotMigrateExecutor creates a spot migration executor with the cluster's
// default spot node selector and toleration key. Both can be overridden per
// proposal with the node_selector and toleration parameters.
func NewSpotMigrateExecutor(client *Client, nodeSelector map[string]string, toleration string) *SpotMigrateExecutor {
	return &SpotMigrateExecutor{client: client, nodeSelector: nodeSelector, toleration: toleration}
}

type schedulingSnapshot struct {
	Target       string              `json:"target"`
	NodeSelector map[string]string   `json:"node_selector,omitempty"`
	Tolerations  []corev1.Toleration `json:"tolerations,omitempty"`
}

func captureScheduling(w *workload) schedulingSnapshot {
	spec := w.template.Spec
	snap := schedulingSnapshot{Target: w.target.String()}
	if spec.NodeSelector != nil {
		snap.NodeSelector = make(map[string]string, len(spec.NodeSelector))
		for k, v := range spec.NodeSelector {
			snap.NodeSelector[k] = v
		}
	}
	for _, t := range spec.Tolerations {
		snap.Tolerations = append(snap.Tolerations, *t.DeepCopy())
	}
	return snap
}

func (e *SpotMigrateExecutor) settings(p *engine.Proposal) (map[string]string, string, error) {
	selector := e.nodeSelector
	if raw, ok := p.Parameters[ParamNodeSelector]; ok {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, "", engine.NewValidationError("node_selector must be a map of strings").WithResource(p.TargetResourceID)
		}
		selector = make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, "", engine.NewValidationError(fmt.Sprintf("node_selector[%s] must be a string", k)).WithResource(p.TargetResourceID)
			}
			selector[k] = s
		}
	}
	if len(selector) == 0 {
		return nil, "", engine.NewValidationError("no spot node selector configured").WithResource(p.TargetResourceID)
	}
	return selector, p.StringParam(ParamToleration, e.toleration), nil
}

// Apply implements engine.Executor.
func (e *SpotMigrateExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	p := req.Proposal
	t, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	selector, toleration, err := e.settings(p)
	if err != nil {
		return nil, err
	}

	var (
		raw     json.RawMessage
		changes []engine.Change
	)
	change := func(w *workload) error {
		changes = nil
		_, r, err := loadSnapshot(w, req.IdempotencyKey, captureScheduling)
		if err != nil {
			return err
		}
		raw = r

		spec := &w.template.Spec
		if spec.NodeSelector == nil {
			spec.NodeSelector = make(map[string]string, len(selector))
		}
		keys := make([]string, 0, len(selector))
		for k := range selector {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			before, had := spec.NodeSelector[k]
			if had && before == selector[k] {
				continue
			}
			spec.NodeSelector[k] = selector[k]
			ch := engine.Change{Resource: t.String(), Path: "spec.template.spec.nodeSelector." + k, After: selector[k]}
			if had {
				ch.Before = before
			}
			changes = append(changes, ch)
		}

		if toleration != "" && !hasToleration(spec.Tolerations, toleration) {
			spec.Tolerations = append(spec.Tolerations, corev1.Toleration{
				Key:      toleration,
				Operator: corev1.TolerationOpExists,
				Effect:   corev1.TaintEffectNoSchedule,
			})
			changes = append(changes, engine.Change{Resource: t.String(), Path: "spec.template.spec.tolerations", After: toleration})
		}
		return nil
	}

	if req.DryRun {
		w, err := e.client.getWorkload(ctx, t)
		if err != nil {
			return nil, classify(err, "spot_migrate", p.TargetResourceID)
		}
		if err := change(w); err != nil {
			return nil, classify(err, "spot_migrate", p.TargetResourceID)
		}
	} else if err := e.client.mutate(ctx, t, change); err != nil {
		return nil, classify(err, "spot_migrate", p.TargetResourceID)
	}

	e.client.logger.Info().Str("target", t.String()).Int("changes", len(changes)).Bool("dry_run", req.DryRun).Msg("Moved workload to spot capacity")
	return &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		ActualImpact: scaledImpact(p, 100),
		Message:      fmt.Sprintf("%s scheduled onto spot nodes", t),
	}, nil
}

func hasToleration(tolerations []corev1.Toleration, key string) bool {
	for _, t := range tolerations {
		if t.Key == key {
			return true
		}
	}
	return false
}

// Rollback implements engine.Executor.
func (e *SpotMigrateExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	var snap schedulingSnapshot
	if err := decodeRollbackInfo(req.RollbackInfo, &snap); err != nil {
		return nil, err
	}
	t, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	err = e.client.mutate(ctx, t, func(w *workload) error {
		w.template.Spec.NodeSelector = snap.NodeSelector
		w.template.Spec.Tolerations = snap.Tolerations
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

	e.client.logger.Info().Str("target", snap.Target).Msg("Restored pod scheduling constraints")
	return &engine.RollbackResult{Success: true, Message: "scheduling constraints restored"}, nil
}
