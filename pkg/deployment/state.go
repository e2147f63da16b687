package deployment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/engine"
)

// AttemptRecord is the outcome of one engine invocation for a stage.
type AttemptRecord struct {
	Attempt        int                          `json:"attempt"`
	Status         StageStatus                  `json:"status"`
	PerHost        map[string]engine.HostResult `json:"per_host"`
	FailedHosts    int                          `json:"failed_hosts"`
	SystemicError  string                       `json:"systemic_error,omitempty"`
	TimedOut       bool                         `json:"timed_out,omitempty"`
	TimeoutSeconds int                          `json:"timeout_seconds"`
	ChangeReport   json.RawMessage              `json:"change_report,omitempty"`
	StartedAt      time.Time                    `json:"started_at"`
	EndedAt        time.Time                    `json:"ended_at"`
}

// Changes sums the changes reported across hosts.
func (a *AttemptRecord) Changes() int {
	total := 0
	for _, r := range a.PerHost {
		total += r.Changes()
	}
	return total
}

// StageExecutionRecord tracks a stage across attempts and resumes.
type StageExecutionRecord struct {
	StageID string      `json:"stage_id"`
	Status  StageStatus `json:"status"`

	// Attempts counts completed attempts since the stage was last started
	// or resumed.
	Attempts int `json:"attempts"`

	// Hosts is the resolved host set of the latest run of the stage.
	Hosts []string `json:"hosts,omitempty"`

	// PerHost is the per-host result of the latest attempt.
	PerHost map[string]engine.HostResult `json:"per_host,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// History holds one entry per completed attempt, across resumes.
	History []AttemptRecord `json:"history,omitempty"`

	PreSnapshotID  int64                    `json:"pre_snapshot_id,omitempty"`
	PostSnapshotID int64                    `json:"post_snapshot_id,omitempty"`
	Drift          *drift.Report            `json:"drift,omitempty"`
	Consistency    *drift.ConsistencyReport `json:"consistency,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// LastAttempt returns the most recent history entry, or nil.
func (r *StageExecutionRecord) LastAttempt() *AttemptRecord {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// FailedHosts lists the hosts that failed in the latest attempt.
func (r *StageExecutionRecord) FailedHosts() []string {
	var failed []string
	for _, h := range r.Hosts {
		if res, ok := r.PerHost[h]; ok && res.Failed {
			failed = append(failed, h)
		}
	}
	return failed
}

// Lease marks the single writer of a plan's state.
type Lease struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease no longer protects the plan at now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// State is the persisted progress of one deployment.
type State struct {
	PlanID string `json:"plan_id"`
	Plan   *Plan  `json:"plan"`

	// Stages holds one record per plan stage, in plan order.
	Stages []*StageExecutionRecord `json:"stages"`

	// CurrentStageIndex is the first stage that is neither succeeded nor
	// skipped, or len(Stages) when all are done.
	CurrentStageIndex int           `json:"current_stage_index"`
	OverallStatus     OverallStatus `json:"overall_status"`

	// RunID identifies the latest process run that advanced the state.
	RunID string `json:"run_id,omitempty"`

	// Error is the reason the deployment last stopped, if it failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Lease     *Lease    `json:"lease,omitempty"`
}

// NewState creates the initial state for a plan: every stage pending.
func NewState(plan *Plan, now time.Time) *State {
	s := &State{
		PlanID:        plan.PlanID,
		Plan:          plan,
		Stages:        make([]*StageExecutionRecord, len(plan.Stages)),
		OverallStatus: StatusInProgress,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	for i, st := range plan.Stages {
		s.Stages[i] = &StageExecutionRecord{StageID: st.ID, Status: StageStatusPending}
	}
	return s
}

// Advance recomputes CurrentStageIndex from the stage records.
func (s *State) Advance() {
	i := 0
	for i < len(s.Stages) && s.Stages[i].Status.Done() {
		i++
	}
	s.CurrentStageIndex = i
}

// Current returns the record at the cursor, or nil when every stage is done.
func (s *State) Current() *StageExecutionRecord {
	if s.CurrentStageIndex < 0 || s.CurrentStageIndex >= len(s.Stages) {
		return nil
	}
	return s.Stages[s.CurrentStageIndex]
}

// Record returns the record of the given stage.
func (s *State) Record(stageID string) *StageExecutionRecord {
	for _, r := range s.Stages {
		if r.StageID == stageID {
			return r
		}
	}
	return nil
}

// Validate checks the structural invariants of a state: one record per plan
// stage in plan order, and a cursor at the first stage that is not done with
// every earlier stage done.
func (s *State) Validate() error {
	if s.Plan == nil {
		return fmt.Errorf("state %s has no plan", s.PlanID)
	}
	if s.Plan.PlanID != s.PlanID {
		return fmt.Errorf("state plan id %q does not match plan %q", s.PlanID, s.Plan.PlanID)
	}
	if len(s.Stages) != len(s.Plan.Stages) {
		return fmt.Errorf("state has %d stage records for %d stages", len(s.Stages), len(s.Plan.Stages))
	}
	for i, r := range s.Stages {
		if r == nil || r.StageID != s.Plan.Stages[i].ID {
			return fmt.Errorf("stage record %d does not match stage %q", i, s.Plan.Stages[i].ID)
		}
		if !r.Status.IsValid() {
			return fmt.Errorf("stage %s has invalid status %q", r.StageID, r.Status)
		}
		if len(r.History) < r.Attempts {
			return fmt.Errorf("stage %s records %d attempts but %d history entries", r.StageID, r.Attempts, len(r.History))
		}
	}
	if s.CurrentStageIndex < 0 || s.CurrentStageIndex > len(s.Stages) {
		return fmt.Errorf("current stage index %d out of range", s.CurrentStageIndex)
	}
	for i := 0; i < s.CurrentStageIndex; i++ {
		if !s.Stages[i].Status.Done() {
			return fmt.Errorf("stage %s before the cursor is %s", s.Stages[i].StageID, s.Stages[i].Status)
		}
	}
	if s.CurrentStageIndex < len(s.Stages) && s.Stages[s.CurrentStageIndex].Status.Done() {
		return fmt.Errorf("cursor stage %s is already %s", s.Stages[s.CurrentStageIndex].StageID, s.Stages[s.CurrentStageIndex].Status)
	}
	switch s.OverallStatus {
	case StatusInProgress, StatusFailed, StatusAborted:
	case StatusCompleted:
		if s.CurrentStageIndex != len(s.Stages) {
			return fmt.Errorf("completed state has pending stages")
		}
	default:
		return fmt.Errorf("invalid overall status %q", s.OverallStatus)
	}
	return nil
}

// Summary counts stages by status.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Pending   int `json:"pending"`
}

// Summary returns the stage counts of the state.
func (s *State) Summary() Summary {
	sum := Summary{Total: len(s.Stages)}
	for _, r := range s.Stages {
		switch r.Status {
		case StageStatusSucceeded:
			sum.Succeeded++
		case StageStatusSkipped:
			sum.Skipped++
		case StageStatusFailed:
			sum.Failed++
		case StageStatusRunning:
			sum.Running++
		default:
			sum.Pending++
		}
	}
	return sum
}

// Clone returns a deep copy of the state.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to copy state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy state: %w", err)
	}
	return &out, nil
}
