package policy

// BuiltinPolicies returns the guardrails that ship with the tool.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructivePreCommandsPolicy(),
		retryBackoffPolicy(),
		gateWithoutSnapshotsPolicy(),
		lenientThresholdPolicy(),
	}
}

// destructivePreCommandsPolicy blocks pre-commands that wipe filesystems.
func destructivePreCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-pre-commands",
		Description: "Blocks stage pre-commands that erase filesystems or devices",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package rollout.guard.builtin.precommands

import rego.v1

destructive := [
	"\\brm\\s+-(rf|fr)\\s+/(\\s|\\*|$)",
	"\\bmkfs(\\.\\w+)?\\s",
	"\\bdd\\s+if=",
	":\\(\\)\\s*\\{\\s*:\\|:",
]

deny contains violation if {
	some stage in input.plan.stages
	some cmd in stage.pre_commands
	some pattern in destructive
	regex.match(pattern, cmd)
	violation := {
		"message": sprintf("stage %s runs a destructive pre-command: %s", [stage.id, cmd]),
		"severity": "error",
		"stage": stage.id,
	}
}
`,
	}
}

// retryBackoffPolicy warns about retries that hammer hosts.
func retryBackoffPolicy() Policy {
	return Policy{
		Name:        "retry-backoff",
		Description: "Warns when a stage retries without any backoff",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rollout.guard.builtin.retry

import rego.v1

deny contains violation if {
	some stage in input.plan.stages
	stage.retry.max_attempts > 1
	object.get(stage.retry, "backoff_seconds", 0) == 0
	violation := {
		"message": sprintf("stage %s retries %d times without backoff", [stage.id, stage.retry.max_attempts]),
		"severity": "warning",
		"stage": stage.id,
	}
}
`,
	}
}

// gateWithoutSnapshotsPolicy notes gates that can only compare facts.
func gateWithoutSnapshotsPolicy() Policy {
	return Policy{
		Name:        "gate-without-snapshots",
		Description: "Warns when a consistency gate has no snapshot spec to compare",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rollout.guard.builtin.gate

import rego.v1

deny contains violation if {
	not input.plan.snapshots
	some stage in input.plan.stages
	stage.consistency_gate
	violation := {
		"message": sprintf("stage %s has a consistency gate but the plan tracks no snapshot paths or services", [stage.id]),
		"severity": "warning",
		"stage": stage.id,
	}
}
`,
	}
}

// lenientThresholdPolicy warns when most hosts may fail unnoticed.
func lenientThresholdPolicy() Policy {
	return Policy{
		Name:        "lenient-threshold",
		Description: "Warns when a non best-effort stage tolerates failure on more than half its hosts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package rollout.guard.builtin.threshold

import rego.v1

deny contains violation if {
	some stage in input.plan.stages
	not stage.best_effort
	stage.failure_threshold > 0.5
	violation := {
		"message": sprintf("stage %s tolerates failure on %v of its hosts", [stage.id, stage.failure_threshold]),
		"severity": "warning",
		"stage": stage.id,
	}
}
`,
	}
}
