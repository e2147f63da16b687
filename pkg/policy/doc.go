// Package policy evaluates Rego guardrails against deployment plans and
// builds the predicates that classify tracked config paths as security
// relevant.
//
// # Guardrails
//
// A guardrail is a Rego module in package rollout.guard (or below it) that
// adds entries to a deny set. Input is the resolved plan plus evaluation
// context:
//
//	{"plan": {"plan_id": ..., "stages": [...], "snapshots": {...}},
//	 "context": {"timestamp": ..., "operation": "deploy"}}
//
// An entry is either a message string or an object with message, severity
// and stage keys:
//
//	package rollout.guard.change_window
//
//	import rego.v1
//
//	deny contains violation if {
//		some stage in input.plan.stages
//		stage.target.group == "db"
//		violation := {"message": "db stages need a change window", "severity": "error", "stage": stage.id}
//	}
//
// Violations with error or critical severity block the plan; Engine.Check
// turns them into a configuration error with code GUARDRAIL_VIOLATION.
// Lower severities are logged.
//
// Usage:
//
//	engine := policy.NewEngine(logger)
//	if err := engine.LoadBuiltins(ctx); err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	err := engine.Check(ctx, plan)
//
// # Security paths
//
// NewSecurityPredicate ORs together glob patterns, a Rego module in package
// rollout.severity defining security_relevant, and a Starlark script
// defining security_relevant(path).
package policy
