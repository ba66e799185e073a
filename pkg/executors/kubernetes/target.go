package kubernetes

import (
	"fmt"
	"strings"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Scheme is the resource ID prefix handled by this package.
const Scheme = "k8s"

// Supported workload kinds.
const (
	KindDeployment  = "deployment"
	KindStatefulSet = "statefulset"
)

// Target identifies one workload, written "k8s:<namespace>/<kind>/<name>".
type Target struct {
	Namespace string
	Kind      string
	Name      string
}

// ParseTarget parses a resource ID. Kind names are case-insensitive and
// accept the plural and short forms kubectl accepts.
func ParseTarget(resourceID string) (Target, error) {
	rest, ok := strings.CutPrefix(resourceID, Scheme+":")
	if !ok {
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q is not a %s: target", resourceID, Scheme))
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q must look like %s:<namespace>/<kind>/<name>", resourceID, Scheme))
	}

	var kind string
	switch strings.ToLower(parts[1]) {
	case "deployment", "deployments", "deploy":
		kind = KindDeployment
	case "statefulset", "statefulsets", "sts":
		kind = KindStatefulSet
	default:
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q: unsupported kind %q", resourceID, parts[1]))
	}

	return Target{Namespace: parts[0], Kind: kind, Name: parts[2]}, nil
}

// String returns the canonical resource ID.
func (t Target) String() string {
	return fmt.Sprintf("%s:%s/%s/%s", Scheme, t.Namespace, t.Kind, t.Name)
}
