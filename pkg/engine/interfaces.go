package engine

import (
	"context"
	"encoding/json"
)

// Engine is the boundary with the external configuration-management
// execution engine. Implementations run the engine as an opaque subprocess
// or, in tests, return scripted results.
type Engine interface {
	// Execute applies a plan fragment to the given hosts. This is the only
	// mutating call.
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)

	// Query gathers facts, file hashes and service states without mutating
	// any host.
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
}

// ExecuteRequest is a single mutating engine invocation for one stage attempt.
type ExecuteRequest struct {
	// StageID identifies the stage being applied.
	StageID string `json:"stage_id"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Fragment is the plan fragment reference handed to the engine.
	Fragment string `json:"fragment"`

	// Hosts is the resolved target host set.
	Hosts []string `json:"hosts"`

	// Tags is the optional tag filter passed through to the engine.
	Tags []string `json:"tags,omitempty"`

	// Parallelism caps the engine's host fan-out.
	Parallelism int `json:"parallelism"`

	// AsyncEnabled switches the engine to its asynchronous host fan-out mode.
	AsyncEnabled bool `json:"async_enabled"`

	// TimeoutSeconds is the per-invocation timeout passed to the engine.
	TimeoutSeconds int `json:"timeout_seconds"`

	// Vars are extra variables for the fragment.
	Vars map[string]string `json:"vars,omitempty"`
}

// HostResult is the outcome for one host of an engine invocation.
type HostResult struct {
	Changed      bool   `json:"changed"`
	Failed       bool   `json:"failed"`
	ErrorMessage string `json:"error_message,omitempty"`

	// ChangeCount is the number of changed tasks the engine reported for the
	// host. Zero with Changed set counts as one change.
	ChangeCount int `json:"change_count,omitempty"`
}

// Changes returns the effective number of changes on the host.
func (r HostResult) Changes() int {
	if r.ChangeCount > 0 {
		return r.ChangeCount
	}
	if r.Changed {
		return 1
	}
	return 0
}

// ExecuteResult is the engine's answer to an ExecuteRequest.
type ExecuteResult struct {
	// PerHost maps host ID to its result.
	PerHost map[string]HostResult `json:"per_host"`

	// SystemicError is set when the engine could not connect or run at all.
	SystemicError string `json:"systemic_error,omitempty"`

	// ChangeReport is the engine's machine-readable change report, kept opaque.
	ChangeReport json.RawMessage `json:"change_report,omitempty"`
}

// QueryRequest is a read-only engine invocation used for snapshots.
type QueryRequest struct {
	Hosts        []string `json:"hosts"`
	FactKeys     []string `json:"fact_keys,omitempty"`
	TrackedPaths []string `json:"tracked_paths,omitempty"`
	ServiceNames []string `json:"service_names,omitempty"`
}

// HostQuery is the state one host reported for a QueryRequest.
type HostQuery struct {
	Facts         map[string]string `json:"facts,omitempty"`
	FileHashes    map[string]string `json:"file_hashes,omitempty"`
	ServiceStates map[string]string `json:"service_states,omitempty"`
}

// QueryResult is the engine's answer to a QueryRequest.
type QueryResult struct {
	PerHost     map[string]HostQuery `json:"per_host"`
	Unreachable []string             `json:"unreachable,omitempty"`
}

// CommandRunner runs local commands on the control machine, such as stage
// pre-commands.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}
