package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stagehand/stagehand/pkg/engine"
)

// ParamReplicas is the autoscale target replica count.
const ParamReplicas = "replicas"

// ScaleExecutor changes a workload's replica count. It backs both autoscale,
// which scales to a requested count, and hibernate, which scales to zero.
type ScaleExecutor struct {
	client  *Client
	action  engine.ActionType
	desired func(p *engine.Proposal) (int32, error)
}

// NewAutoscaleExecutor scales workloads to the "replicas" parameter.
func NewAutoscaleExecutor(client *Client) *ScaleExecutor {
	return &ScaleExecutor{
		client: client,
		action: engine.ActionAutoscale,
		desired: func(p *engine.Proposal) (int32, error) {
			n, ok := p.IntParam(ParamReplicas)
			if !ok || n < 0 {
				return 0, engine.NewValidationError("autoscale needs a non-negative integer replicas parameter").
					WithResource(p.TargetResourceID)
			}
			return int32(n), nil
		},
	}
}

// NewHibernateExecutor scales workloads to zero replicas.
func NewHibernateExecutor(client *Client) *ScaleExecutor {
	return &ScaleExecutor{
		client:  client,
		action:  engine.ActionHibernate,
		desired: func(*engine.Proposal) (int32, error) { return 0, nil },
	}
}

type replicaSnapshot struct {
	Target   string `json:"target"`
	Replicas int32  `json:"replicas"`
}

func captureReplicas(w *workload) replicaSnapshot {
	return replicaSnapshot{Target: w.target.String(), Replicas: w.desiredReplicas()}
}

// Apply implements engine.Executor.
func (e *ScaleExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	pct := 100
	if req.Staged {
		pct = 0
	}
	return e.scale(ctx, req.Proposal, req.IdempotencyKey, pct, req.DryRun, nil)
}

// ApplyStage implements engine.StagedExecutor.
func (e *ScaleExecutor) ApplyStage(ctx context.Context, req engine.StageRequest) (*engine.ApplyResult, error) {
	var snap *replicaSnapshot
	if len(req.RollbackInfo) > 0 {
		snap = &replicaSnapshot{}
		if err := decodeRollbackInfo(req.RollbackInfo, snap); err != nil {
			return nil, err
		}
	}
	return e.scale(ctx, req.Proposal, req.Proposal.ID, req.Percentage, req.DryRun, snap)
}

func (e *ScaleExecutor) scale(ctx context.Context, p *engine.Proposal, key string, pct int, dryRun bool, snap *replicaSnapshot) (*engine.ApplyResult, error) {
	t, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	target, err := e.desired(p)
	if err != nil {
		return nil, err
	}

	var (
		raw      json.RawMessage
		changes  []engine.Change
		replicas int32
	)
	change := func(w *workload) error {
		changes = nil
		original := snap
		if original == nil {
			s, r, err := loadSnapshot(w, key, captureReplicas)
			if err != nil {
				return err
			}
			original, raw = &s, r
		}
		current := w.desiredReplicas()
		replicas = current
		if pct <= 0 {
			return nil
		}
		replicas = interpolateReplicas(original.Replicas, target, pct)
		if replicas != current {
			w.setReplicas(replicas)
			changes = append(changes, engine.Change{
				Resource: t.String(),
				Path:     "spec.replicas",
				Before:   current,
				After:    replicas,
			})
		}
		return nil
	}

	op := string(e.action)
	if dryRun {
		w, err := e.client.getWorkload(ctx, t)
		if err != nil {
			return nil, classify(err, op, p.TargetResourceID)
		}
		if err := change(w); err != nil {
			return nil, classify(err, op, p.TargetResourceID)
		}
	} else if err := e.client.mutate(ctx, t, change); err != nil {
		return nil, classify(err, op, p.TargetResourceID)
	}

	result := &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		Message:      fmt.Sprintf("%s at %d replicas", t, replicas),
	}
	if pct > 0 {
		result.ActualImpact = scaledImpact(p, pct)
	}

	e.client.logger.Info().
		Str("action", op).
		Str("target", t.String()).
		Int("percentage", pct).
		Int32("replicas", replicas).
		Bool("dry_run", dryRun).
		Msg("Scaled workload")
	return result, nil
}

// interpolateReplicas moves pct of the way from from to to, rounding away
// from from so that every non-empty stage changes at least one replica.
func interpolateReplicas(from, to int32, pct int) int32 {
	if pct >= 100 {
		return to
	}
	delta := int64(to-from) * int64(pct)
	if delta == 0 {
		return from
	}
	step := (abs64(delta) + 99) / 100
	if delta < 0 {
		return from - int32(step)
	}
	return from + int32(step)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Rollback implements engine.Executor.
func (e *ScaleExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	var snap replicaSnapshot
	if err := decodeRollbackInfo(req.RollbackInfo, &snap); err != nil {
		return nil, err
	}
	t, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	err = e.client.mutate(ctx, t, func(w *workload) error {
		w.setReplicas(snap.Replicas)
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

	e.client.logger.Info().Str("target", snap.Target).Int32("replicas", snap.Replicas).Msg("Restored replica count")
	return &engine.RollbackResult{Success: true, Message: fmt.Sprintf("replicas restored to %d", snap.Replicas)}, nil
}
