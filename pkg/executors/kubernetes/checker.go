package kubernetes

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Checker reports whether workloads exist. It implements engine.ResourceChecker.
type Checker struct {
	client *Client
}

// NewChecker creates a workload existence checker.
func NewChecker(client *Client) *Checker {
	return &Checker{client: client}
}

// Exists implements engine.ResourceChecker.
func (c *Checker) Exists(ctx context.Context, resourceID string) (bool, error) {
	t, err := ParseTarget(resourceID)
	if err != nil {
		return false, err
	}
	if _, err := c.client.getWorkload(ctx, t); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err, "exists", resourceID)
	}
	return true, nil
}

// ReadinessProbe scores a workload by the share of desired replicas that are
// ready. It implements engine.HealthProbe for clusters without Prometheus.
type ReadinessProbe struct {
	client *Client
}

// NewReadinessProbe creates a readiness-based health probe.
func NewReadinessProbe(client *Client) *ReadinessProbe {
	return &ReadinessProbe{client: client}
}

// ReadHealth implements engine.HealthProbe. A workload scaled to zero has
// nothing unready and scores 100.
func (p *ReadinessProbe) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	t, err := ParseTarget(resourceID)
	if err != nil {
		return 0, err
	}
	w, err := p.client.getWorkload(ctx, t)
	if err != nil {
		return 0, classify(err, "read_health", resourceID)
	}

	desired := w.desiredReplicas()
	if desired == 0 {
		return 100, nil
	}
	ready := w.ready
	if ready > desired {
		ready = desired
	}
	return float64(ready) / float64(desired) * 100, nil
}
