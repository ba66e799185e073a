package kubernetes

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/engine"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
)

func int32Ptr(n int32) *int32 { return &n }

func newDeployment(namespace, name string, replicas int32, cpu, memory string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       namespace,
			UID:             types.UID("uid-" + name),
			ResourceVersion: "1",
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  name,
							Image: "registry.example.com/" + name + ":1.0",
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(cpu),
									corev1.ResourceMemory: resource.MustParse(memory),
								},
							},
						},
						{
							Name:  "sidecar",
							Image: "registry.example.com/proxy:2.1",
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU: resource.MustParse("100m"),
								},
							},
						},
					},
				},
			},
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: replicas},
	}
}

func newStatefulSet(namespace, name string, replicas, ready int32) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, ResourceVersion: "1"},
		Spec: appsv1.StatefulSetSpec{
			Replicas: int32Ptr(replicas),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: name, Image: "postgres:16"}}},
			},
		},
		Status: appsv1.StatefulSetStatus{ReadyReplicas: ready},
	}
}

func newTestClient(objs ...runtime.Object) (*Client, *fake.Clientset) {
	cs := fake.NewSimpleClientset(objs...)
	return NewClient(cs, zerolog.Nop()), cs
}

func newProposal(action engine.ActionType, target string, params map[string]interface{}) *engine.Proposal {
	return &engine.Proposal{
		ID:               "prop-" + string(action),
		ActionType:       action,
		TargetResourceID: target,
		Parameters:       params,
		EstimatedImpact:  -200,
		RiskLevel:        engine.RiskMedium,
	}
}

func getDeployment(t *testing.T, cs *fake.Clientset, namespace, name string) *appsv1.Deployment {
	t.Helper()
	d, err := cs.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("failed to get deployment %s/%s: %v", namespace, name, err)
	}
	return d
}

func containerRequest(d *appsv1.Deployment, container string, name corev1.ResourceName) string {
	for _, c := range d.Spec.Template.Spec.Containers {
		if c.Name == container {
			q := c.Resources.Requests[name]
			return q.String()
		}
	}
	return ""
}
