package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Names of the built-in schemas.
const (
	SchemaConfig   = "config"
	SchemaProposal = "proposal"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaConfig, "#Config", builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaProposal, "#Proposal", builtinProposalSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles schema and registers its definition under name.
// The definition is the CUE path (for example "#Config") data is unified with.
func (sr *SchemaRegistry) RegisterSchema(name, definition, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// The cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}

	return nil
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinConfigSchema = `
#Duration: string & =~"^(0|([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+)$"

#Percent: int & >0 & <=100

#Config: {
	engine?: {
		approval_threshold?:  number & >=0
		approval_timeout?:    #Duration
		recover_concurrency?: int & >=1
		retry?: {
			max_attempts?:    int & >=1 & <=20
			base_delay?:      #Duration
			throttled_delay?: #Duration
			max_delay?:       #Duration
			attempt_timeout?: #Duration
		}
		breaker?: {
			failure_threshold?: int & >=1
			success_threshold?: int & >=1
			cooldown?:          #Duration
			half_open_max?:     int & >=1
		}
		rate_limit?: number & >=0
		burst?:      int & >=0
	}

	rollout?: {
		stages?:               [...#Percent]
		health_threshold?:     number & >0 & <=1
		health_floor?:         number & >=0 & <=100
		monitor_duration?:     #Duration
		stage_script?:         string
		stage_script_timeout?: #Duration
	}

	store?: {
		driver?:            "sqlite" | "postgres" | "badger" | "memory"
		path?:              string
		dsn?:               string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	policy?: {
		enabled?:     bool
		paths?:       [...string]
		watch?:       bool
		environment?: string
		max_impact?: {
			low?:    number & >=0
			medium?: number & >=0
			high?:   number & >=0
		}
		max_first_stage_high_risk?: int & >=0 & <=100
		protected_prefixes?:        [...string]
	}

	kubernetes?: {
		enabled?:            bool
		kubeconfig?:         string
		context?:            string
		qps?:                number & >=0
		burst?:              int & >=0
		spot_node_selector?: {[string]: string}
		spot_toleration?:    string
	}

	remote?: {
		enabled?:                  bool
		user?:                     string
		port?:                     int & >=0 & <=65535
		private_key_path?:         string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		command_timeout?:          #Duration
		use_sudo?:                 bool
	}

	prometheus?: {
		enabled?: bool
		address?: string
		query?:   string
		timeout?: #Duration
	}

	gcs?: {
		enabled?:          bool
		credentials_file?: string
	}

	telemetry?: {
		environment?:         string
		log_level?:           "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic"
		log_format?:          "console" | "json"
		tracing_enabled?:     bool
		tracing_exporter?:    "otlp" | "stdout" | "none"
		tracing_endpoint?:    string
		tracing_insecure?:    bool
		sampling_rate?:       number & >=0 & <=1
		metrics_enabled?:     bool
		metrics_address?:     string
		events_enabled?:      bool
		publish_transitions?: bool
	}
}
`

const builtinProposalSchema = `
#Proposal: {
	id:                 string & !=""
	action_type:        "terminate" | "rightsize" | "hibernate" | "spot_migrate" | "reserve_purchase" | "autoscale" | "storage_optimize" | "config_fix" | "staged_rollout"
	target_resource_id: string & !=""
	parameters?: {...}
	estimated_impact: number
	risk_level:       "low" | "medium" | "high"
	stageable?:       bool
}
`
