package stores

import (
	"encoding/json"
	"time"
)

// RunStatus represents the recorded outcome of a deployment run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Report kinds written by the orchestrator and the CLI.
const (
	ReportKindDrift       = "drift"
	ReportKindConsistency = "consistency"
	ReportKindIdempotence = "idempotence"
)

// Run represents one invocation of a deployment
type Run struct {
	ID         string     `json:"id"`
	PlanID     string     `json:"plan_id"`
	Mode       string     `json:"mode"`
	Status     RunStatus  `json:"status"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SnapshotInfo describes a stored snapshot without its body
type SnapshotInfo struct {
	ID      int64     `json:"id"`
	RunID   string    `json:"run_id,omitempty"`
	PlanID  string    `json:"plan_id,omitempty"`
	StageID string    `json:"stage_id,omitempty"`
	Label   string    `json:"label"`
	Partial bool      `json:"partial"`
	TakenAt time.Time `json:"taken_at"`
}

// SnapshotFilter narrows ListSnapshots. Zero fields match everything.
type SnapshotFilter struct {
	PlanID string
	RunID  string
	Label  string
	Limit  int
}

// Report is a stored drift, consistency or idempotence report
type Report struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
	Body      json.RawMessage `json:"body"`
}

// Decode unmarshals the report body into v.
func (r *Report) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// EventRecord is a persisted telemetry event
type EventRecord struct {
	ID        int64                  `json:"id"`
	EventID   string                 `json:"event_id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	PlanID    string                 `json:"plan_id,omitempty"`
	StageID   string                 `json:"stage_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
