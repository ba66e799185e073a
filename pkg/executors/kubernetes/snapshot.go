package kubernetes

import (
	"encoding/json"
	"fmt"

	"github.com/stagehand/stagehand/pkg/engine"
)

// SnapshotAnnotation holds the pre-change state on the workload itself, so
// an Apply repeated after a crash restores the true original.
const SnapshotAnnotation = "stagehand.io/rollback-snapshot"

type annotationRecord struct {
	Key      string          `json:"key"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// recordedSnapshot returns the snapshot stored under key, if any.
func recordedSnapshot(w *workload, key string) (json.RawMessage, bool) {
	raw, ok := w.meta.Annotations[SnapshotAnnotation]
	if !ok || key == "" {
		return nil, false
	}
	var rec annotationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Key != key {
		return nil, false
	}
	return rec.Snapshot, true
}

func recordSnapshot(w *workload, key string, snapshot json.RawMessage) error {
	if key == "" {
		return nil
	}
	data, err := json.Marshal(annotationRecord{Key: key, Snapshot: snapshot})
	if err != nil {
		return err
	}
	if w.meta.Annotations == nil {
		w.meta.Annotations = make(map[string]string)
	}
	w.meta.Annotations[SnapshotAnnotation] = string(data)
	return nil
}

func clearSnapshot(w *workload) {
	delete(w.meta.Annotations, SnapshotAnnotation)
}

// loadSnapshot returns the snapshot recorded under key or captures a new
// one with capture and records it.
func loadSnapshot[T any](w *workload, key string, capture func(*workload) T) (T, json.RawMessage, error) {
	var snap T
	if raw, ok := recordedSnapshot(w, key); ok {
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, raw, nil
		}
	}
	snap = capture(w)
	raw, err := json.Marshal(snap)
	if err != nil {
		return snap, nil, err
	}
	return snap, raw, recordSnapshot(w, key, raw)
}

func decodeRollbackInfo(info json.RawMessage, out interface{}) error {
	if len(info) == 0 {
		return engine.NewValidationError("rollback info is missing")
	}
	if err := json.Unmarshal(info, out); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("rollback info is unreadable: %v", err), err)
	}
	return nil
}

func scaledImpact(p *engine.Proposal, percentage int) *float64 {
	v := p.EstimatedImpact * float64(percentage) / 100
	return &v
}
