package telemetry_test

import (
	"context"
	"fmt"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

// Example_configurationValidation demonstrates validating a tracing setup.
func Example_configurationValidation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	fmt.Println(cfg.Validate())

	cfg.Tracing.Endpoint = "otel-collector:4317"
	fmt.Println(cfg.Validate())
	// Output:
	// otlp exporter requires an endpoint
	// <nil>
}

// Example_structuredLogging demonstrates execution-scoped loggers.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.
		WithExecutionID("exec-123").
		WithAction("rightsize").
		WithResourceID("k8s:shop/deployment/checkout")
	logger.Info("Stage promoted")

	fmt.Println("Logging complete")
	// Output: Logging complete
}

// Example_instrumentedOperation demonstrates tracing an operator request.
func Example_instrumentedOperation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Exporter = "none"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	reqCtx := telemetry.WithExecutionContext(ctx, "approve", "exec-1", "alice")
	telemetry.FromContext(reqCtx).Info("Approving execution")
	telemetry.EndExecutionContext(reqCtx, nil)
	fmt.Println(err)
	// Output: <nil>
}
