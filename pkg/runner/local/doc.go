// Package local implements engine.Engine against the machine it runs on.
// It backs the rollout-local-engine bridge: every inventory host is served
// by this machine, which makes it useful for single-node setups and for
// exercising plans end to end.
//
// Execute runs the stage fragment as a shell script once per host with
// these variables set:
//
//	ROLLOUT_HOST, ROLLOUT_STAGE, ROLLOUT_ATTEMPT, ROLLOUT_TAGS
//	ROLLOUT_VAR_<NAME> for every stage var, NAME upper-cased
//
// Each stdout line starting with CHANGED counts as one change. A non-zero
// exit fails the host.
//
// Query reports runtime facts, sha256 digests of tracked files ("absent"
// when missing) and systemd service states.
package local
