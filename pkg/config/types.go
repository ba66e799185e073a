package config

import (
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/policy"
	"github.com/stagehand/stagehand/pkg/stores"
	"github.com/stagehand/stagehand/pkg/telemetry"
	"golang.org/x/time/rate"
)

// Config is the orchestrator configuration file.
type Config struct {
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Rollout    RolloutConfig    `yaml:"rollout" json:"rollout"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
	Remote     RemoteConfig     `yaml:"remote" json:"remote"`
	Prometheus PrometheusConfig `yaml:"prometheus" json:"prometheus"`
	GCS        GCSConfig        `yaml:"gcs" json:"gcs"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// EngineConfig configures approval and executor resilience.
type EngineConfig struct {
	// ApprovalThreshold is the absolute estimated impact above which approval is required.
	ApprovalThreshold float64 `yaml:"approval_threshold" json:"approval_threshold" validate:"gte=0"`

	// ApprovalTimeout fails executions left awaiting approval. Zero waits forever.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout" validate:"gte=0"`

	// RecoverConcurrency bounds parallel checkpoint decoding during recovery.
	RecoverConcurrency int `yaml:"recover_concurrency" json:"recover_concurrency" validate:"gte=1"`

	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// RateLimit is the executor call rate per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`

	// Burst is the rate limiter bucket size.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`
}

// RetryConfig configures executor call retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay      time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
	ThrottledDelay time.Duration `yaml:"throttled_delay" json:"throttled_delay" validate:"gte=0"`
	MaxDelay       time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" validate:"gte=0"`
}

// BreakerConfig configures the per-executor circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=1"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown" validate:"gt=0"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max" validate:"gte=1"`
}

// RolloutConfig configures staged rollouts.
type RolloutConfig struct {
	// Stages are cumulative percentages ending at 100.
	Stages []int `yaml:"stages" json:"stages" validate:"required,min=1,dive,gt=0,lte=100"`

	// HealthThreshold is the fraction of pre-stage health a stage must keep.
	HealthThreshold float64 `yaml:"health_threshold" json:"health_threshold" validate:"gt=0,lte=1"`

	// HealthFloor is the absolute score required from a zero baseline.
	HealthFloor float64 `yaml:"health_floor" json:"health_floor" validate:"gte=0,lte=100"`

	MonitorDuration time.Duration `yaml:"monitor_duration" json:"monitor_duration" validate:"gte=0"`

	// StageScript is a Starlark file defining stage_parameters(proposal, percentage).
	StageScript string `yaml:"stage_script" json:"stage_script,omitempty" validate:"omitempty,file"`

	// StageScriptTimeout bounds one stage_parameters call.
	StageScriptTimeout time.Duration `yaml:"stage_script_timeout" json:"stage_script_timeout" validate:"gte=0"`
}

// StoreConfig selects the checkpoint store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver" json:"driver" validate:"oneof=sqlite postgres badger memory"`
	Path            string        `yaml:"path" json:"path,omitempty" validate:"required_if=Driver sqlite,required_if=Driver badger"`
	DSN             string        `yaml:"dsn" json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"gte=0"`
}

// PolicyConfig configures the OPA policy engine.
type PolicyConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Paths       []string `yaml:"paths" json:"paths,omitempty"`
	Watch       bool     `yaml:"watch" json:"watch"`
	Environment string   `yaml:"environment" json:"environment,omitempty"`

	// MaxImpact caps |estimated_impact| per risk level.
	MaxImpact map[string]float64 `yaml:"max_impact" json:"max_impact,omitempty" validate:"dive,keys,oneof=low medium high,endkeys,gte=0"`

	MaxFirstStageHighRisk int      `yaml:"max_first_stage_high_risk" json:"max_first_stage_high_risk" validate:"gte=0,lte=100"`
	ProtectedPrefixes     []string `yaml:"protected_prefixes" json:"protected_prefixes,omitempty"`
}

// KubernetesConfig configures the Kubernetes executors.
type KubernetesConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Kubeconfig string  `yaml:"kubeconfig" json:"kubeconfig,omitempty"`
	Context    string  `yaml:"context" json:"context,omitempty"`
	QPS        float32 `yaml:"qps" json:"qps" validate:"gte=0"`
	Burst      int     `yaml:"burst" json:"burst" validate:"gte=0"`

	// SpotNodeSelector and SpotToleration describe the spot node pool.
	SpotNodeSelector map[string]string `yaml:"spot_node_selector" json:"spot_node_selector,omitempty"`
	SpotToleration   string            `yaml:"spot_toleration" json:"spot_toleration,omitempty"`
}

// RemoteConfig configures the SSH serving-config executor.
type RemoteConfig struct {
	Enabled               bool          `yaml:"enabled" json:"enabled"`
	User                  string        `yaml:"user" json:"user,omitempty" validate:"required_if=Enabled true"`
	Port                  int           `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	PrivateKeyPath        string        `yaml:"private_key_path" json:"private_key_path,omitempty"`
	KnownHostsPath        string        `yaml:"known_hosts_path" json:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" json:"connection_timeout" validate:"gte=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" json:"command_timeout" validate:"gte=0"`
	UseSudo               bool          `yaml:"use_sudo" json:"use_sudo"`
}

// PrometheusConfig configures the PromQL health probe.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address,omitempty" validate:"omitempty,url"`

	// Query is a text/template rendered with the parsed resource ID.
	Query   string        `yaml:"query" json:"query,omitempty" validate:"required_if=Enabled true"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// GCSConfig configures the storage_optimize executor.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file,omitempty"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	Environment string `yaml:"environment" json:"environment,omitempty"`

	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error fatal panic"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" json:"tracing_exporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint,omitempty"`
	TracingInsecure bool    `yaml:"tracing_insecure" json:"tracing_insecure"`
	SamplingRate    float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`

	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address,omitempty" validate:"required_if=MetricsEnabled true"`

	EventsEnabled      bool `yaml:"events_enabled" json:"events_enabled"`
	PublishTransitions bool `yaml:"publish_transitions" json:"publish_transitions"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	eng := engine.DefaultConfig()
	breaker := engine.DefaultBreakerConfig()
	limits := policy.DefaultLimits()

	return &Config{
		Engine: EngineConfig{
			ApprovalThreshold:  eng.ApprovalThreshold,
			ApprovalTimeout:    eng.ApprovalTimeout,
			RecoverConcurrency: eng.RecoverConcurrency,
			Retry: RetryConfig{
				MaxAttempts:    eng.Retry.MaxAttempts,
				BaseDelay:      eng.Retry.BaseDelay,
				ThrottledDelay: eng.Retry.ThrottledDelay,
				MaxDelay:       eng.Retry.MaxDelay,
				AttemptTimeout: eng.Retry.AttemptTimeout,
			},
			Breaker: BreakerConfig{
				FailureThreshold: breaker.FailureThreshold,
				SuccessThreshold: breaker.SuccessThreshold,
				Cooldown:         breaker.Cooldown,
				HalfOpenMax:      breaker.HalfOpenMax,
			},
			RateLimit: 10,
			Burst:     5,
		},
		Rollout: RolloutConfig{
			Stages:             append([]int(nil), eng.Rollout.Stages...),
			HealthThreshold:    eng.Rollout.HealthThreshold,
			HealthFloor:        eng.Rollout.HealthFloor,
			MonitorDuration:    eng.Rollout.MonitorDuration,
			StageScriptTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Driver:          stores.DriverSQLite,
			Path:            "stagehand.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Policy: PolicyConfig{
			Enabled:               true,
			MaxImpact:             limits.MaxImpact,
			MaxFirstStageHighRisk: limits.MaxFirstStageHighRisk,
		},
		Kubernetes: KubernetesConfig{
			QPS:              20,
			Burst:            40,
			SpotNodeSelector: map[string]string{"cloud.google.com/gke-spot": "true"},
			SpotToleration:   "cloud.google.com/gke-spot",
		},
		Remote: RemoteConfig{
			Port:                  22,
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
			CommandTimeout:        2 * time.Minute,
		},
		Prometheus: PrometheusConfig{
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "stdout",
			SamplingRate:    1.0,
			MetricsAddress:  ":9090",
			EventsEnabled:   true,
		},
	}
}

// EngineConfig converts the file form into engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ApprovalThreshold: c.Engine.ApprovalThreshold,
		ApprovalTimeout:   c.Engine.ApprovalTimeout,
		Retry: engine.RetryPolicy{
			MaxAttempts:    c.Engine.Retry.MaxAttempts,
			BaseDelay:      c.Engine.Retry.BaseDelay,
			ThrottledDelay: c.Engine.Retry.ThrottledDelay,
			MaxDelay:       c.Engine.Retry.MaxDelay,
			AttemptTimeout: c.Engine.Retry.AttemptTimeout,
		},
		Rollout: engine.RolloutConfig{
			Stages:          append([]int(nil), c.Rollout.Stages...),
			HealthThreshold: c.Rollout.HealthThreshold,
			HealthFloor:     c.Rollout.HealthFloor,
			MonitorDuration: c.Rollout.MonitorDuration,
		},
		RecoverConcurrency: c.Engine.RecoverConcurrency,
	}
}

// RegistryOptions returns the resilience settings for the action registry.
func (c *Config) RegistryOptions(recorder engine.CallRecorder) engine.RegistryOptions {
	limit := rate.Inf
	if c.Engine.RateLimit > 0 {
		limit = rate.Limit(c.Engine.RateLimit)
	}
	return engine.RegistryOptions{
		Breaker: engine.BreakerConfig{
			FailureThreshold: c.Engine.Breaker.FailureThreshold,
			SuccessThreshold: c.Engine.Breaker.SuccessThreshold,
			Cooldown:         c.Engine.Breaker.Cooldown,
			HalfOpenMax:      c.Engine.Breaker.HalfOpenMax,
		},
		Limit:    limit,
		Burst:    c.Engine.Burst,
		Recorder: recorder,
	}
}

// StoreOptions converts the store section for stores.Open.
func (c *Config) StoreOptions() stores.Options {
	return stores.Options{
		Driver:          c.Store.Driver,
		Path:            c.Store.Path,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// PolicyLimits converts the policy section into blast-radius limits.
func (c *Config) PolicyLimits() policy.Limits {
	limits := policy.DefaultLimits()
	if len(c.Policy.MaxImpact) > 0 {
		limits.MaxImpact = c.Policy.MaxImpact
	}
	limits.MaxFirstStageHighRisk = c.Policy.MaxFirstStageHighRisk
	limits.DefaultStages = append([]int(nil), c.Rollout.Stages...)
	if c.Policy.ProtectedPrefixes != nil {
		limits.ProtectedPrefixes = c.Policy.ProtectedPrefixes
	}
	return limits
}

// TelemetryConfig overlays the telemetry section on telemetry defaults.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	t := c.Telemetry
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	cfg.Logging.Level = t.LogLevel
	cfg.Logging.Format = t.LogFormat
	cfg.Tracing.Enabled = t.TracingEnabled
	cfg.Tracing.Exporter = t.TracingExporter
	cfg.Tracing.Endpoint = t.TracingEndpoint
	cfg.Tracing.Insecure = t.TracingInsecure
	cfg.Tracing.SamplingRate = t.SamplingRate
	cfg.Metrics.Enabled = t.MetricsEnabled
	cfg.Metrics.ListenAddress = t.MetricsAddress
	cfg.Events.Enabled = t.EventsEnabled
	cfg.Events.PublishTransitions = t.PublishTransitions
	return cfg
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "rollout.stages").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
