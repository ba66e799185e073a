package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.Shutdown(ctx)
}

// Sink returns the engine.EventSink that feeds metrics and the event publisher.
func (t *Telemetry) Sink() engine.EventSink {
	return engine.MultiSink{t.Metrics, t.Events}
}

// Recorder returns the engine.CallRecorder for the executor registry.
func (t *Telemetry) Recorder() engine.CallRecorder {
	return t.Metrics
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// WithExecutionContext creates a context enriched with execution-specific
// telemetry for an operator request (approve, cancel, rollback). The request
// logger carries the execution, operation, user and trace IDs.
func WithExecutionContext(ctx context.Context, operation, executionID, user string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartExecutionSpan(ctx, operation, executionID, user)

	fields := map[string]interface{}{"operation": operation}
	if user != "" {
		fields["user"] = user
	}
	if sc := span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
	}
	logger := tel.Logger.WithExecutionID(executionID).WithFields(fields)
	spanCtx = logger.WithContext(spanCtx)

	return context.WithValue(spanCtx, executionSpanKey{}, span)
}

// executionSpanKey is the context key for execution request spans.
type executionSpanKey struct{}

// EndExecutionContext ends the span opened by WithExecutionContext.
func EndExecutionContext(ctx context.Context, err error) {
	span, ok := ctx.Value(executionSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	logger := FromContext(ctx)
	if err != nil {
		RecordError(span, err)
		logger.WithField("error", err.Error()).Warn("Request failed")
	} else {
		RecordSuccess(span)
		logger.Debug("Request completed")
	}
	span.End()
}
