// Package config loads Stagehand configuration and proposal files and
// evaluates Starlark stage scripts.
//
// # Overview
//
// Configuration files may be YAML, JSON or CUE. CUE sources are compiled and
// exported to JSON first, so all three formats share one pipeline:
//
//  1. The document is unified with the built-in #Config CUE schema, which
//     rejects unknown keys, bad enums and out-of-range numbers.
//  2. It is decoded with yaml.v3 over Default(), so omitted fields keep their
//     defaults. Durations are written as Go duration strings ("30s", "5m").
//  3. The result is checked with validator struct tags and cross-field rules
//     such as the rollout stage ordering.
//
// Every problem is reported in a *LoadError with file, line and field path
// where they are known.
//
// # Components
//
// Loader: Reads configuration (Parse, LoadFile) and proposal files
// (ParseProposals, LoadProposals). Proposal files hold one proposal or a list
// and are checked against the #Proposal schema.
//
// SchemaRegistry: Compiles named CUE definitions and validates data against
// them.
//
// StarlarkEvaluator: Sandboxed Starlark execution with timeouts, step limits
// and Go/Starlark value conversion. CompileStageScript binds a script's
// stage_parameters(proposal, percentage) function as an
// engine.StageParameterFunc.
//
// # Usage Example
//
//	cfg, err := config.Load("stagehand.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	opts := []engine.Option{}
//	if cfg.Rollout.StageScript != "" {
//	    script, err := config.NewStarlarkEvaluator(cfg.Rollout.StageScriptTimeout).
//	        LoadStageScript(cfg.Rollout.StageScript)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    opts = append(opts, engine.WithStageParameters(script.Func()))
//	}
//
// # Configuration Example
//
//	engine:
//	  approval_threshold: 1000
//	  approval_timeout: 24h
//	  retry:
//	    max_attempts: 3
//	    base_delay: 1s
//	rollout:
//	  stages: [10, 50, 100]
//	  health_threshold: 0.9
//	  monitor_duration: 5m
//	store:
//	  driver: sqlite
//	  path: /var/lib/stagehand/stagehand.db
//	policy:
//	  environment: production
//	  protected_prefixes: ["k8s:kube-system/"]
//
// # Stage Script Example
//
//	def stage_parameters(proposal, percentage):
//	    return {
//	        "percentage": percentage,
//	        "max_surge": 1 if percentage < 50 else 2,
//	    }
package config
