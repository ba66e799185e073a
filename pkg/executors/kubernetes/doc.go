// Package kubernetes implements Stagehand executors for Deployments and
// StatefulSets using client-go.
//
// Targets are written "k8s:<namespace>/<kind>/<name>", for example
// "k8s:default/deployment/api". The package provides:
//
//   - RightsizeExecutor (rightsize, staged): container requests and limits
//   - ScaleExecutor (autoscale and hibernate, staged): replica counts
//   - TerminateExecutor (terminate): deletes the workload after writing a
//     backup ConfigMap that rollback recreates it from
//   - SpotMigrateExecutor (spot_migrate): spot node selector and toleration
//   - Checker and ReadinessProbe: existence checks and readiness health
//
// In-place executors record the original state in the SnapshotAnnotation on
// the workload in the same update that changes it, keyed by the proposal's
// idempotency key. An Apply repeated after a crash reuses that snapshot
// instead of capturing the already-changed state.
//
// Kubernetes API errors are classified for the engine's retry logic:
// throttling (429) is throttled; conflicts, timeouts and 5xx responses are
// transient; everything else the API server rejects is permanent.
package kubernetes
