// Package config loads everything rollout reads from disk: plan configs,
// host inventories and the CLI settings.
//
// # Plan configs
//
// A plan config names a deployment and lists its ordered stages. Three
// formats decode into the same PlanConfig:
//
//   - YAML (.yaml, .yml): the document itself is the plan.
//   - CUE (.cue): the value of the top-level plan field, unified with the
//     built-in #Plan schema before decoding.
//   - Starlark (.star): the global plan dict left behind by the script.
//
// Example YAML plan:
//
//	name: web-rollout
//	snapshots:
//	  facts: [os_release]
//	  tracked_paths: [/etc/nginx/nginx.conf]
//	  services: [nginx]
//	stages:
//	  - id: canary
//	    fragment: playbooks/web.yml
//	    target: {group: web, tags: [canary]}
//	    retry: {max_attempts: 2, backoff_seconds: 10}
//	  - id: fleet
//	    fragment: playbooks/web.yml
//	    target: {group: web}
//	    failure_threshold: 0.1
//	    consistency_gate: true
//	    host_scoped_keys: [hostname]
//
// The same plan in Starlark can be generated:
//
//	plan = {
//	    "name": "web-rollout",
//	    "stages": [
//	        {"id": "wave-%d" % i, "fragment": "web.yml", "target": {"group": "wave%d" % i}}
//	        for i in range(3)
//	    ],
//	}
//
// Every decoded plan is validated with go-playground/validator struct tags.
// Failures are returned as engine configuration errors.
//
// # Inventories
//
// Inventories are YAML:
//
//	name: prod
//	groups:
//	  web:
//	    hosts:
//	      web1: {address: 10.0.0.11, tags: [canary]}
//	      web2: {address: 10.0.0.12}
//
// # Settings
//
// LoadSettings layers defaults, an optional rollout.yaml, .env files and
// ROLLOUT_* environment variables using viper.
package config
