package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		blastRadiusPolicy(),
		destructiveForcePolicy(),
		stagedReservationPolicy(),
		firstStagePolicy(),
		protectedResourcesPolicy(),
		unstagedHighRiskPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// blastRadiusPolicy caps the estimated impact per risk level.
func blastRadiusPolicy() Policy {
	return builtin("blast-radius",
		"Caps the absolute estimated impact of a proposal per risk level",
		SeverityError,
		[]string{"blast-radius"},
		`package stagehand.policies.blast_radius

impact := abs(input.proposal.estimated_impact)

deny contains violation if {
	limit := data.stagehand.limits.max_impact[input.proposal.risk_level]
	impact > limit
	violation := {
		"message": sprintf("estimated impact %v exceeds the %v limit of %v", [impact, input.proposal.risk_level, limit]),
		"severity": "error",
		"remediation": "split the change or raise its risk level",
	}
}
`)
}

// destructiveForcePolicy forbids forcing destructive high risk changes.
func destructiveForcePolicy() Policy {
	return builtin("destructive-force",
		"Destructive actions on high risk proposals cannot skip approval",
		SeverityCritical,
		[]string{"destructive", "approval"},
		`package stagehand.policies.destructive_force

deny contains violation if {
	input.proposal.destructive
	input.proposal.risk_level == "high"
	input.context.force
	violation := {
		"message": sprintf("%s on a high risk proposal cannot be forced", [input.proposal.action_type]),
		"severity": "critical",
	}
}
`)
}

// stagedReservationPolicy rejects staged reservation purchases.
func stagedReservationPolicy() Policy {
	return builtin("staged-reservation",
		"Reservation purchases are atomic and cannot be rolled out in stages",
		SeverityError,
		[]string{"rollout"},
		`package stagehand.policies.staged_reservation

deny contains violation if {
	input.proposal.stageable
	input.proposal.action_type == "reserve_purchase"
	violation := {
		"message": "reserve_purchase cannot be rolled out in stages",
		"severity": "error",
	}
}
`)
}

// firstStagePolicy bounds the first canary stage of high risk rollouts.
func firstStagePolicy() Policy {
	return builtin("first-stage-limit",
		"High risk staged rollouts must start with a small canary",
		SeverityError,
		[]string{"rollout", "blast-radius"},
		`package stagehand.policies.first_stage

stages := input.proposal.parameters.stages if {
	input.proposal.parameters.stages
} else := data.stagehand.limits.default_stages

deny contains violation if {
	input.proposal.stageable
	input.proposal.risk_level == "high"
	first := stages[0]
	limit := data.stagehand.limits.max_first_stage_high_risk
	first > limit
	violation := {
		"message": sprintf("first stage of %v%% exceeds the high risk canary limit of %v%%", [first, limit]),
		"severity": "error",
	}
}
`)
}

// protectedResourcesPolicy keeps destructive actions off protected targets.
func protectedResourcesPolicy() Policy {
	return builtin("protected-resources",
		"Destructive actions may not target protected resources",
		SeverityCritical,
		[]string{"destructive"},
		`package stagehand.policies.protected_resources

deny contains violation if {
	input.proposal.destructive
	some prefix in data.stagehand.limits.protected_prefixes
	startswith(input.proposal.target_resource_id, prefix)
	violation := {
		"message": sprintf("%s is protected from %s", [input.proposal.target_resource_id, input.proposal.action_type]),
		"severity": "critical",
	}
}
`)
}

// unstagedHighRiskPolicy warns about high risk changes applied in one step.
func unstagedHighRiskPolicy() Policy {
	return builtin("unstaged-high-risk",
		"High risk changes should be staged",
		SeverityWarning,
		[]string{"rollout"},
		`package stagehand.policies.unstaged_high_risk

deny contains violation if {
	input.proposal.risk_level == "high"
	not input.proposal.stageable
	input.proposal.action_type != "reserve_purchase"
	violation := {
		"message": "high risk change is applied in a single step",
		"severity": "warning",
		"remediation": "set stageable to roll out behind a health probe",
	}
}
`)
}
