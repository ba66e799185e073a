// Package policy provides Open Policy Agent (OPA) integration for Stagehand.
//
// The Engine evaluates every proposal during validation and implements
// engine.PolicyEvaluator. Each policy is a Rego module that defines a "deny"
// set in its package; members are strings or objects carrying message,
// severity and remediation. A violation with severity error or critical
// denies the proposal, while info and warning violations surface as
// validation warnings.
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	pe, err := policy.NewEngine(logger, policy.WithEnvironment("production"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := engine.New(cfg, store, registry, engine.WithPolicy(pe))
//
// # Built-in Policies
//
//  1. blast-radius - Caps |estimated_impact| per risk level
//  2. destructive-force - Destructive high risk proposals cannot be forced
//  3. staged-reservation - reserve_purchase is never staged
//  4. first-stage-limit - High risk rollouts start with a small canary
//  5. protected-resources - Destructive actions skip protected targets
//  6. unstaged-high-risk - Warns when a high risk change is not staged
//
// The numeric limits live in the OPA data document at data.stagehand.limits
// and can be replaced at runtime with SetLimits.
//
// # Input
//
// Policies see the proposal and its submission context:
//
//	input.proposal.action_type, target_resource_id, parameters,
//	               estimated_impact, risk_level, stageable, destructive
//	input.context.execution_id, user, environment, timestamp,
//	              dry_run, force, auto_approve
//
// # Custom Policies
//
//	package acme.change_freeze
//
//	deny contains violation if {
//	    input.context.environment == "production"
//	    input.proposal.destructive
//	    violation := {"message": "change freeze in effect", "severity": "error"}
//	}
//
// Custom policies come from .rego files, single-policy .json files and
// *.bundle.json bundles. In a .rego file the leading comment block is the
// description, and "# severity:" and "# tags:" lines set those fields
// (severity defaults to warning). Each module must declare its own package
// outside stagehand.policies and define deny as a set; anything else is
// rejected when the file is loaded. Critical violations cannot be overridden
// by submitting with force.
//
// LoadPolicies replaces the custom set atomically: a bad file anywhere under
// the paths leaves the previous set active. Watch reloads the loaded paths on
// change using fsnotify.
package policy
