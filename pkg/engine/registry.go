package engine

import (
	"fmt"
	"sort"

	"golang.org/x/time/rate"
)

// RegistryOptions configures the resilience wrappers installed by the registry.
type RegistryOptions struct {
	Breaker  BreakerConfig
	Limit    rate.Limit
	Burst    int
	Recorder CallRecorder
}

// Registry resolves action types to executors. It is built once from a map
// literal and is read-only afterwards, so lookups need no locking.
type Registry struct {
	executors map[ActionType]*guardedExecutor
	recorder  CallRecorder
}

// NewRegistry validates the executor map and wraps every executor with a
// circuit breaker and rate limiter.
//
// Example:
//
//	reg, err := engine.NewRegistry(map[engine.ActionType]engine.Executor{
//		engine.ActionRightsize: kubernetes.NewRightsizeExecutor(client),
//		engine.ActionAutoscale: kubernetes.NewAutoscaleExecutor(client),
//	}, engine.RegistryOptions{})
func NewRegistry(executors map[ActionType]Executor, opts RegistryOptions) (*Registry, error) {
	defaults := DefaultBreakerConfig()
	if opts.Breaker.FailureThreshold <= 0 {
		opts.Breaker.FailureThreshold = defaults.FailureThreshold
	}
	if opts.Breaker.SuccessThreshold <= 0 {
		opts.Breaker.SuccessThreshold = defaults.SuccessThreshold
	}
	if opts.Breaker.Cooldown <= 0 {
		opts.Breaker.Cooldown = defaults.Cooldown
	}
	if opts.Breaker.HalfOpenMax <= 0 {
		opts.Breaker.HalfOpenMax = defaults.HalfOpenMax
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	r := &Registry{
		executors: make(map[ActionType]*guardedExecutor, len(executors)),
		recorder:  opts.Recorder,
	}
	for action, exec := range executors {
		if err := action.Validate(); err != nil {
			return nil, NewConfigurationError(err.Error())
		}
		if exec == nil {
			return nil, NewConfigurationError(fmt.Sprintf("nil executor registered for %s", action))
		}
		r.executors[action] = newGuardedExecutor(action, exec, opts.Breaker, opts.Limit, opts.Burst, opts.Recorder)
	}
	return r, nil
}

// Lookup returns the executor for an action type. A missing executor is a
// configuration error, never a silent success.
func (r *Registry) Lookup(action ActionType) (Executor, error) {
	if err := action.Validate(); err != nil {
		return nil, NewConfigurationError(err.Error())
	}
	exec, ok := r.executors[action]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("no executor registered for action type %s", action)).
			WithCode(ErrCodeExecutorNotFound)
	}
	return exec, nil
}

// LookupStaged returns the staged executor for an action type.
func (r *Registry) LookupStaged(action ActionType) (StagedExecutor, error) {
	exec, err := r.Lookup(action)
	if err != nil {
		return nil, err
	}
	g := exec.(*guardedExecutor)
	if !g.supportsStages() {
		return nil, NewConfigurationError(fmt.Sprintf("executor for %s does not support staged rollout", action))
	}
	return g, nil
}

// Breaker returns the circuit breaker guarding an action type, if registered.
func (r *Registry) Breaker(action ActionType) (*CircuitBreaker, bool) {
	g, ok := r.executors[action]
	if !ok {
		return nil, false
	}
	return g.breaker, true
}

// Actions lists the registered action types in sorted order.
func (r *Registry) Actions() []ActionType {
	out := make([]ActionType, 0, len(r.executors))
	for action := range r.executors {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
