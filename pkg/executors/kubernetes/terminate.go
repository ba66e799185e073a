package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/stagehand/stagehand/pkg/engine"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Labels and keys of backup ConfigMaps written before a workload is deleted.
const (
	BackupLabel       = "app.kubernetes.io/managed-by"
	BackupLabelValue  = "stagehand"
	backupManifestKey = "manifest"
	backupKindKey     = "kind"
)

// TerminateExecutor deletes a workload. The full manifest is written to a
// backup ConfigMap first, so rollback can recreate it even if the execution
// crashed between the delete and its checkpoint.
type TerminateExecutor struct {
	client *Client
}

// NewTerminateExecutor creates a terminate executor.
func NewTerminateExecutor(client *Client) *TerminateExecutor {
	return &TerminateExecutor{client: client}
}

type manifestSnapshot struct {
	Target   string          `json:"target"`
	Kind     string          `json:"kind"`
	Backup   string          `json:"backup"`
	Manifest json.RawMessage `json:"manifest"`
}

// BackupName returns the ConfigMap name used for an idempotency key.
func BackupName(key string) string {
	return "stagehand-backup-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// Apply implements engine.Executor.
func (e *TerminateExecutor) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResult, error) {
	p := req.Proposal
	t, err := ParseTarget(p.TargetResourceID)
	if err != nil {
		return nil, err
	}
	backup := BackupName(req.IdempotencyKey)
	configMaps := e.client.clientset.CoreV1().ConfigMaps(t.Namespace)

	w, err := e.client.getWorkload(ctx, t)
	if apierrors.IsNotFound(err) {
		// A previous attempt may have deleted it already.
		cm, cerr := configMaps.Get(ctx, backup, metav1.GetOptions{})
		if cerr != nil {
			return nil, classify(err, "terminate", p.TargetResourceID)
		}
		snap := manifestSnapshot{Target: t.String(), Kind: cm.Data[backupKindKey], Backup: backup, Manifest: json.RawMessage(cm.Data[backupManifestKey])}
		raw, merr := json.Marshal(snap)
		if merr != nil {
			return nil, merr
		}
		return &engine.ApplyResult{
			Success:      true,
			RollbackInfo: raw,
			ActualImpact: scaledImpact(p, 100),
			Message:      fmt.Sprintf("%s already deleted", t),
		}, nil
	}
	if err != nil {
		return nil, classify(err, "terminate", p.TargetResourceID)
	}

	manifest, err := cleanManifest(w)
	if err != nil {
		return nil, engine.NewPermanentError("failed to serialize workload", err).WithResource(p.TargetResourceID)
	}
	snap := manifestSnapshot{Target: t.String(), Kind: t.Kind, Backup: backup, Manifest: manifest}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	changes := []engine.Change{{Resource: t.String(), Path: "", Before: "present", After: "deleted"}}
	if req.DryRun {
		return &engine.ApplyResult{Success: true, RollbackInfo: raw, Changes: changes, Message: fmt.Sprintf("would delete %s", t)}, nil
	}

	_, err = configMaps.Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      backup,
			Namespace: t.Namespace,
			Labels:    map[string]string{BackupLabel: BackupLabelValue},
			Annotations: map[string]string{
				"stagehand.io/target":       t.String(),
				"stagehand.io/execution-id": req.ExecutionID,
			},
		},
		Data: map[string]string{
			backupKindKey:     t.Kind,
			backupManifestKey: string(manifest),
		},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, classify(err, "backup", p.TargetResourceID)
	}

	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}
	switch t.Kind {
	case KindDeployment:
		err = e.client.clientset.AppsV1().Deployments(t.Namespace).Delete(ctx, t.Name, opts)
	case KindStatefulSet:
		err = e.client.clientset.AppsV1().StatefulSets(t.Namespace).Delete(ctx, t.Name, opts)
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return nil, classify(err, "terminate", p.TargetResourceID)
	}

	e.client.logger.Info().Str("target", t.String()).Str("backup", backup).Msg("Deleted workload")
	return &engine.ApplyResult{
		Success:      true,
		RollbackInfo: raw,
		Changes:      changes,
		ActualImpact: scaledImpact(p, 100),
		Message:      fmt.Sprintf("deleted %s (backup %s)", t, backup),
	}, nil
}

// cleanManifest strips server-populated fields so the object can be created again.
func cleanManifest(w *workload) (json.RawMessage, error) {
	switch o := w.obj.(type) {
	case *appsv1.Deployment:
		c := o.DeepCopy()
		c.TypeMeta = metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"}
		clearServerFields(&c.ObjectMeta)
		c.Status = appsv1.DeploymentStatus{}
		return json.Marshal(c)
	case *appsv1.StatefulSet:
		c := o.DeepCopy()
		c.TypeMeta = metav1.TypeMeta{APIVersion: "apps/v1", Kind: "StatefulSet"}
		clearServerFields(&c.ObjectMeta)
		c.Status = appsv1.StatefulSetStatus{}
		return json.Marshal(c)
	default:
		return nil, fmt.Errorf("unsupported workload object %T", w.obj)
	}
}

func clearServerFields(m *metav1.ObjectMeta) {
	m.ResourceVersion = ""
	m.UID = ""
	m.Generation = 0
	m.CreationTimestamp = metav1.Time{}
	m.DeletionTimestamp = nil
	m.ManagedFields = nil
	m.OwnerReferences = nil
	delete(m.Annotations, SnapshotAnnotation)
}

// Rollback implements engine.Executor.
func (e *TerminateExecutor) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.RollbackResult, error) {
	var snap manifestSnapshot
	if err := decodeRollbackInfo(req.RollbackInfo, &snap); err != nil {
		return nil, err
	}
	t, err := ParseTarget(snap.Target)
	if err != nil {
		return nil, err
	}

	switch snap.Kind {
	case KindDeployment:
		var d appsv1.Deployment
		if err := json.Unmarshal(snap.Manifest, &d); err != nil {
			return nil, engine.NewPermanentError("backup manifest is unreadable", err).WithResource(snap.Target)
		}
		_, err = e.client.clientset.AppsV1().Deployments(t.Namespace).Create(ctx, &d, metav1.CreateOptions{})
	case KindStatefulSet:
		var s appsv1.StatefulSet
		if err := json.Unmarshal(snap.Manifest, &s); err != nil {
			return nil, engine.NewPermanentError("backup manifest is unreadable", err).WithResource(snap.Target)
		}
		_, err = e.client.clientset.AppsV1().StatefulSets(t.Namespace).Create(ctx, &s, metav1.CreateOptions{})
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("backup has unsupported kind %q", snap.Kind), nil).WithResource(snap.Target)
	}
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, classify(err, "rollback", snap.Target)
	}

	if snap.Backup != "" {
		derr := e.client.clientset.CoreV1().ConfigMaps(t.Namespace).Delete(ctx, snap.Backup, metav1.DeleteOptions{})
		if derr != nil && !apierrors.IsNotFound(derr) {
			e.client.logger.Warn().Err(derr).Str("backup", snap.Backup).Msg("Failed to remove backup ConfigMap")
		}
	}

	e.client.logger.Info().Str("target", snap.Target).Msg("Recreated workload from backup")
	return &engine.RollbackResult{Success: true, Message: fmt.Sprintf("recreated %s", snap.Target)}, nil
}
