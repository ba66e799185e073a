package probes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Router dispatches health reads and existence checks by resource ID scheme.
// It implements engine.HealthProbe and engine.ResourceChecker.
type Router struct {
	mu             sync.RWMutex
	probes         map[string]engine.HealthProbe
	checkers       map[string]engine.ResourceChecker
	defaultProbe   engine.HealthProbe
	defaultChecker engine.ResourceChecker
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		probes:   make(map[string]engine.HealthProbe),
		checkers: make(map[string]engine.ResourceChecker),
	}
}

// HandleProbe registers the health probe for a scheme.
func (r *Router) HandleProbe(scheme string, probe engine.HealthProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[scheme] = probe
}

// HandleChecker registers the existence checker for a scheme.
func (r *Router) HandleChecker(scheme string, checker engine.ResourceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[scheme] = checker
}

// SetDefaultProbe sets the probe used for unprefixed IDs and schemes
// without a registered probe.
func (r *Router) SetDefaultProbe(probe engine.HealthProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProbe = probe
}

// SetDefaultChecker sets the checker used for unprefixed IDs.
func (r *Router) SetDefaultChecker(checker engine.ResourceChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultChecker = checker
}

// Schemes lists the schemes with a probe or checker registered.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for s := range r.probes {
		seen[s] = true
	}
	for s := range r.checkers {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ReadHealth implements engine.HealthProbe.
func (r *Router) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	scheme := SchemeOf(resourceID)

	r.mu.RLock()
	probe, ok := r.probes[scheme]
	if !ok {
		probe = r.defaultProbe
	}
	r.mu.RUnlock()

	if probe == nil {
		return 0, noRoute("health probe", scheme, resourceID)
	}
	return probe.ReadHealth(ctx, resourceID)
}

// Exists implements engine.ResourceChecker. A scheme with no checker is a
// configuration error rather than a missing resource, so that a typo in the
// target does not read as "resource deleted".
func (r *Router) Exists(ctx context.Context, resourceID string) (bool, error) {
	scheme := SchemeOf(resourceID)

	r.mu.RLock()
	checker, ok := r.checkers[scheme]
	if !ok && scheme == "" {
		checker = r.defaultChecker
	}
	r.mu.RUnlock()

	if checker == nil {
		return false, noRoute("resource checker", scheme, resourceID)
	}
	return checker.Exists(ctx, resourceID)
}

// SchemeOf returns the prefix before the first ":" of a resource ID, or ""
// when the ID has none.
func SchemeOf(resourceID string) string {
	scheme, _, ok := strings.Cut(resourceID, ":")
	if !ok || strings.ContainsAny(scheme, "/ ") {
		return ""
	}
	return scheme
}

func noRoute(what, scheme, resourceID string) error {
	if scheme == "" {
		scheme = "(none)"
	}
	return engine.NewConfigurationError(fmt.Sprintf("no %s registered for scheme %s", what, scheme)).
		WithResource(resourceID).
		WithDetail("scheme", scheme)
}
