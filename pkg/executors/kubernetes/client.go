package kubernetes

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

// Config selects the cluster the executors talk to.
type Config struct {
	// Kubeconfig is the kubeconfig path. Empty uses the default loading
	// rules, which fall back to in-cluster configuration.
	Kubeconfig string

	// Context overrides the kubeconfig current context.
	Context string

	QPS   float32
	Burst int
}

// Client wraps a clientset with the workload operations the executors share.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	clientset kubernetes.Interface
	logger    zerolog.Logger
}

// NewClient wraps an existing clientset.
func NewClient(clientset kubernetes.Interface, logger zerolog.Logger) *Client {
	return &Client{
		clientset: clientset,
		logger:    logger.With().Str("component", "kubernetes").Logger(),
	}
}

// NewClientFromConfig builds a clientset from kubeconfig or in-cluster settings.
func NewClientFromConfig(cfg Config, logger zerolog.Logger) (*Client, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	if cfg.QPS > 0 {
		restConfig.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restConfig.Burst = cfg.Burst
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewClient(clientset, logger), nil
}

// Clientset returns the underlying clientset.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// workload is a kind-independent view of a Deployment or StatefulSet.
type workload struct {
	target   Target
	obj      runtime.Object
	meta     *metav1.ObjectMeta
	template *corev1.PodTemplateSpec
	replicas *int32
	ready    int32
}

func (w *workload) desiredReplicas() int32 {
	if w.replicas == nil {
		return 1
	}
	return *w.replicas
}

func (w *workload) setReplicas(n int32) {
	switch o := w.obj.(type) {
	case *appsv1.Deployment:
		o.Spec.Replicas = &n
	case *appsv1.StatefulSet:
		o.Spec.Replicas = &n
	}
	w.replicas = &n
}

func (c *Client) getWorkload(ctx context.Context, t Target) (*workload, error) {
	switch t.Kind {
	case KindDeployment:
		d, err := c.clientset.AppsV1().Deployments(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &workload{target: t, obj: d, meta: &d.ObjectMeta, template: &d.Spec.Template, replicas: d.Spec.Replicas, ready: d.Status.ReadyReplicas}, nil
	case KindStatefulSet:
		s, err := c.clientset.AppsV1().StatefulSets(t.Namespace).Get(ctx, t.Name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &workload{target: t, obj: s, meta: &s.ObjectMeta, template: &s.Spec.Template, replicas: s.Spec.Replicas, ready: s.Status.ReadyReplicas}, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported workload kind %q", t.Kind))
	}
}

func (c *Client) updateWorkload(ctx context.Context, w *workload) error {
	var err error
	switch o := w.obj.(type) {
	case *appsv1.Deployment:
		_, err = c.clientset.AppsV1().Deployments(o.Namespace).Update(ctx, o, metav1.UpdateOptions{})
	case *appsv1.StatefulSet:
		_, err = c.clientset.AppsV1().StatefulSets(o.Namespace).Update(ctx, o, metav1.UpdateOptions{})
	default:
		err = engine.NewValidationError(fmt.Sprintf("unsupported workload object %T", w.obj))
	}
	return err
}

// mutate reads the workload, applies fn and writes it back, re-reading on
// resourceVersion conflicts. fn must be safe to call more than once.
func (c *Client) mutate(ctx context.Context, t Target, fn func(*workload) error) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		w, err := c.getWorkload(ctx, t)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		return c.updateWorkload(ctx, w)
	})
}

// classify maps Kubernetes API errors onto engine error classes.
func classify(err error, op, resourceID string) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *engine.EngineError
	switch {
	case apierrors.IsTooManyRequests(err):
		out = engine.NewThrottledError("kubernetes API throttled the request", err)
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err),
		errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTransientError("kubernetes API temporarily unavailable", err)
	case apierrors.IsNotFound(err):
		out = engine.NewPermanentError("resource not found", err).WithCode(engine.ErrCodeNotFound)
	case apierrors.IsAlreadyExists(err):
		out = engine.NewPermanentError("resource already exists", err).WithCode(engine.ErrCodeAlreadyExists)
	default:
		var status apierrors.APIStatus
		if errors.As(err, &status) {
			out = engine.NewPermanentError(fmt.Sprintf("kubernetes API rejected the request: %s", status.Status().Reason), err)
		} else {
			// Anything else never reached the API server.
			out = engine.NewTransientError("kubernetes API unreachable", err)
		}
	}
	return out.WithResource(resourceID).WithOperation(op)
}
