package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Metrics provides Prometheus metrics for the orchestrator. It implements
// engine.EventSink and engine.CallRecorder so it can be handed to the engine
// and the executor registry directly.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	transitions        *prometheus.CounterVec

	// Executor metrics
	executorCalls    *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
	executorErrors   *prometheus.CounterVec
	retries          *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	// Rollout metrics
	stageHealth *prometheus.GaugeVec
	rollbacks   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions submitted",
			},
			[]string{"action"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions that reached a terminal status",
			},
			[]string{"action", "status", "dry_run"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Time from submission to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_transitions_total",
				Help:      "Total number of persisted status transitions",
			},
			[]string{"from", "to"},
		),

		executorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_calls_total",
				Help:      "Total number of executor calls",
			},
			[]string{"action", "operation"},
		),
		executorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_call_duration_seconds",
				Help:      "Duration of executor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "operation"},
		),
		executorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_errors_total",
				Help:      "Total number of failed executor calls",
			},
			[]string{"action", "operation", "class"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_retries_total",
				Help:      "Total number of executor call retries",
			},
			[]string{"action"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executor_breaker_state",
				Help:      "Circuit breaker state per action (0=closed, 1=open, 2=half-open)",
			},
			[]string{"action"},
		),

		stageHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rollout_stage_health",
				Help:      "Most recent health score read during a staged rollout",
			},
			[]string{"action", "phase"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by outcome",
			},
			[]string{"action", "outcome"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of execution errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of execution errors by error code",
			},
			[]string{"code"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of non-terminal executions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.transitions,
		m.executorCalls,
		m.executorDuration,
		m.executorErrors,
		m.retries,
		m.breakerState,
		m.stageHealth,
		m.rollbacks,
		m.errorsByClass,
		m.errorsByCode,
		m.activeExecutions,
	)

	return m, nil
}

// Execution Metrics

// PublishTransition implements engine.EventSink.
func (m *Metrics) PublishTransition(_ context.Context, exec *engine.Execution, from engine.ExecutionStatus) {
	if m.transitions == nil {
		return
	}
	action := string(exec.Proposal.ActionType)
	if from == "" {
		m.executionsStarted.WithLabelValues(action).Inc()
		m.activeExecutions.Inc()
	}
	m.transitions.WithLabelValues(string(from), string(exec.Status)).Inc()

	if n := len(exec.Health); n > 0 {
		last := exec.Health[n-1]
		m.stageHealth.WithLabelValues(action, last.Phase).Set(last.Score)
	}
}

// PublishResult implements engine.EventSink.
func (m *Metrics) PublishResult(_ context.Context, result *engine.ExecutionResult) {
	if m.executionsFinished == nil {
		return
	}
	action := string(result.ActionType)
	status := string(result.FinalStatus)
	dryRun := "false"
	if result.DryRun {
		dryRun = "true"
	}
	m.executionsFinished.WithLabelValues(action, status, dryRun).Inc()
	m.executionDuration.WithLabelValues(action, status).Observe(result.Duration.Seconds())
	m.activeExecutions.Dec()

	switch {
	case result.FinalStatus == engine.StatusRolledBack:
		m.rollbacks.WithLabelValues(action, "reverted").Inc()
	case len(result.UnrevertedResources) > 0:
		m.rollbacks.WithLabelValues(action, "incomplete").Inc()
	}

	if result.Error != nil {
		m.RecordError(string(result.Error.Class), result.Error.Code)
	}
}

// Executor Metrics

// RecordExecutorCall implements engine.CallRecorder.
func (m *Metrics) RecordExecutorCall(action engine.ActionType, operation string, duration time.Duration, err error) {
	if m.executorCalls == nil {
		return
	}
	m.executorCalls.WithLabelValues(string(action), operation).Inc()
	m.executorDuration.WithLabelValues(string(action), operation).Observe(duration.Seconds())
	if err != nil {
		class := "unclassified"
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			class = string(engErr.Class)
		}
		m.executorErrors.WithLabelValues(string(action), operation, class).Inc()
	}
}

// RecordRetry implements engine.CallRecorder.
func (m *Metrics) RecordRetry(action engine.ActionType, _ int) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(string(action)).Inc()
}

// RecordBreakerState implements engine.CallRecorder.
func (m *Metrics) RecordBreakerState(action engine.ActionType, state engine.BreakerState) {
	if m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(string(action)).Set(float64(state))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveExecutions sets the current number of non-terminal executions.
// Recover calls it after a restart, when the counter would otherwise start at zero.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}(m.server)

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
