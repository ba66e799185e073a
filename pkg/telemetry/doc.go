// Package telemetry provides observability instrumentation for Stagehand.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind a single
// Telemetry value that is built once at startup.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	registry, err := engine.NewRegistry(executors, engine.RegistryOptions{
//	    Recorder: tel.Recorder(),
//	})
//	eng, err := engine.New(engine.DefaultConfig(), store, registry,
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	    engine.WithEventSink(tel.Sink()))
//
// # Metrics
//
// Metrics implements engine.EventSink and engine.CallRecorder. It counts
// submitted and finished executions, observes execution and executor call
// durations, tracks retries, breaker state, rollbacks and the latest staged
// rollout health score. Metrics are served by StartMetricsServer on
// MetricsConfig.ListenAddress.
//
// # Tracing
//
// NewTracer installs its provider as the global OpenTelemetry provider. The
// engine creates one span per drive step and one per executor call. Operator
// requests are wrapped with WithExecutionContext and EndExecutionContext,
// which also attach a request logger carrying the execution ID, operation,
// user and trace ID. Exporters: stdout (development) and OTLP over gRPC.
//
// # Logging
//
// Logger wraps zerolog. Messages about one proposal are logged through
// FromContext(ctx).WithExecutionID(id).WithAction(action).WithResourceID(target)
// so they can be filtered per execution and per resource.
//
// # Events
//
// EventPublisher also implements engine.EventSink. It publishes a submission
// event and a result event per execution, plus intermediate transitions when
// EventsConfig.PublishTransitions is set. Subscribers receive events
// asynchronously and may filter them with FilterByLevel, FilterByType,
// FilterByExecutionID or FilterByResourceID.
package telemetry
