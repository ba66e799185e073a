package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// executorTracer records one span per executor call. It uses the global provider,
// which telemetry.NewTracer installs.
var executorTracer = otel.Tracer("github.com/stagehand/stagehand/pkg/engine")

// RetryPolicy controls how executor calls are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff delay for transient errors.
	BaseDelay time.Duration

	// ThrottledDelay is the first backoff delay for throttled errors.
	ThrottledDelay time.Duration

	// MaxDelay caps a single backoff.
	MaxDelay time.Duration

	// AttemptTimeout bounds one executor call. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		ThrottledDelay: 5 * time.Second,
		MaxDelay:       time.Minute,
		AttemptTimeout: 10 * time.Minute,
	}
}

// Backoff returns the delay before retry number attempt (0-based) after err.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if IsThrottled(err) && p.ThrottledDelay > 0 {
		base = p.ThrottledDelay
	}

	// delay = base * 2^attempt
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// up to +25% jitter
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// retryCall runs fn until it succeeds, fails with a non-retryable error, or
// the policy runs out of attempts. onRetry is called before every wait.
func retryCall(
	ctx context.Context,
	policy RetryPolicy,
	sleep Sleeper,
	onRetry func(attempt int, err error, wait time.Duration),
	fn func(ctx context.Context) error,
) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		err = fn(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return nil
		}
		if timedOut && !IsRetryable(err) {
			err = NewTransientError("executor call timed out", err).WithCode(ErrCodeTimeout)
		}
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}

		wait := policy.Backoff(attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe calls through.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int

	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration

	// HalfOpenMax is the number of concurrent calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker stops calling an executor that keeps failing.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config   BreakerConfig
	now      func() time.Time
	onChange func(BreakerState)

	mu             sync.Mutex
	state          BreakerState
	failures       int
	successes      int
	openedAt       time.Time
	halfOpenActive int
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. When it returns true the caller
// must call the returned release function once the call finishes.
func (cb *CircuitBreaker) Allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true, func() {}
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false, nil
		}
		cb.transitionTo(BreakerHalfOpen)
		return cb.tryHalfOpen()
	default:
		return cb.tryHalfOpen()
	}
}

// tryHalfOpen must be called with the lock held.
func (cb *CircuitBreaker) tryHalfOpen() (bool, func()) {
	if cb.halfOpenActive >= cb.config.HalfOpenMax {
		return false, nil
	}
	cb.halfOpenActive++
	return true, func() {
		cb.mu.Lock()
		if cb.halfOpenActive > 0 {
			cb.halfOpenActive--
		}
		cb.mu.Unlock()
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == BreakerHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transitionTo(BreakerOpen)
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(state BreakerState) {
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	if state == BreakerOpen {
		cb.openedAt = cb.now()
	}
	if cb.onChange != nil {
		cb.onChange(state)
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = NewPermanentError("executor circuit breaker is open", nil).WithCode(ErrCodeCircuitOpen)

// guardedExecutor wraps an executor with a circuit breaker and a rate limiter.
type guardedExecutor struct {
	action   ActionType
	inner    Executor
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	recorder CallRecorder
}

func newGuardedExecutor(action ActionType, inner Executor, cfg BreakerConfig, limit rate.Limit, burst int, recorder CallRecorder) *guardedExecutor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	g := &guardedExecutor{
		action:   action,
		inner:    inner,
		breaker:  NewCircuitBreaker(cfg),
		recorder: recorder,
	}
	g.breaker.onChange = func(s BreakerState) { recorder.RecordBreakerState(action, s) }
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(limit, burst)
	}
	return g
}

func (g *guardedExecutor) call(ctx context.Context, operation string, countFailure bool, fn func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return NewThrottledError("executor rate limit exceeded", err).WithOperation(operation)
		}
	}

	allowed, release := g.breaker.Allow()
	if !allowed {
		err := ErrCircuitOpen
		g.recorder.RecordExecutorCall(g.action, operation, 0, err)
		return fmt.Errorf("%s %s: %w", g.action, operation, err)
	}
	defer release()

	start := time.Now()
	err := fn(ctx)
	g.recorder.RecordExecutorCall(g.action, operation, time.Since(start), err)

	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case countFailure && !errors.Is(err, context.Canceled):
		g.breaker.RecordFailure()
	}
	return err
}

// traced runs fn inside an executor span.
func (g *guardedExecutor) traced(ctx context.Context, operation string, p *Proposal, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("action", string(g.action)),
		attribute.String("operation", operation),
	}
	if p != nil {
		attrs = append(attrs, attribute.String("resource_id", p.TargetResourceID))
	}
	ctx, span := executorTracer.Start(ctx, "executor."+operation, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", ErrorCode(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (g *guardedExecutor) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	var res *ApplyResult
	err := g.traced(ctx, "apply", req.Proposal, func(ctx context.Context) error {
		return g.call(ctx, "apply", true, func(ctx context.Context) error {
			var err error
			res, err = g.inner.Apply(ctx, req)
			return err
		})
	})
	return res, err
}

func (g *guardedExecutor) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	var res *RollbackResult
	err := g.traced(ctx, "rollback", req.Proposal, func(ctx context.Context) error {
		// Rollback bypasses the breaker: it must be attempted even while open.
		start := time.Now()
		var err error
		res, err = g.inner.Rollback(ctx, req)
		g.recorder.RecordExecutorCall(g.action, "rollback", time.Since(start), err)
		return err
	})
	return res, err
}

func (g *guardedExecutor) ApplyStage(ctx context.Context, req StageRequest) (*ApplyResult, error) {
	staged, ok := g.inner.(StagedExecutor)
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("executor for %s does not support staged rollout", g.action))
	}
	var res *ApplyResult
	err := g.traced(ctx, "apply_stage", req.Proposal, func(ctx context.Context) error {
		return g.call(ctx, "apply_stage", true, func(ctx context.Context) error {
			var err error
			res, err = staged.ApplyStage(ctx, req)
			return err
		})
	})
	return res, err
}

// supportsStages reports whether the wrapped executor implements StagedExecutor.
func (g *guardedExecutor) supportsStages() bool {
	_, ok := g.inner.(StagedExecutor)
	return ok
}
