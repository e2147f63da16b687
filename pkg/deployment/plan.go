package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/snapshot"
)

// RetryPolicy controls how often a stage is re-run after a failed attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of engine invocations allowed.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=100"`

	// BackoffSeconds is the pause between attempts.
	BackoffSeconds int `json:"backoff_seconds" yaml:"backoff_seconds" validate:"gte=0,lte=3600"`
}

// Stage is one ordered unit of a deployment, applied to a host subset.
// Stages are immutable once the plan has started.
type Stage struct {
	ID          string `json:"id" yaml:"id" validate:"required,max=64"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Fragment is the plan fragment reference handed to the engine.
	Fragment string `json:"fragment" yaml:"fragment" validate:"required"`

	Target engine.TargetSelector `json:"target" yaml:"target"`

	// Retry overrides the tier's default attempt count when set.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty" validate:"omitempty"`

	// BestEffort stages tolerate any number of failed hosts.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// FailureThreshold is the tolerated fraction of failed hosts per attempt.
	FailureThreshold float64 `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty" validate:"gte=0,lte=1"`

	// TimeoutSeconds overrides the tier's engine timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`

	// PreCommands run on the control machine before every attempt.
	PreCommands []string `json:"pre_commands,omitempty" yaml:"pre_commands,omitempty" validate:"dive,required"`

	// ConsistencyGate fails the stage when its hosts disagree after it ran.
	ConsistencyGate bool `json:"consistency_gate,omitempty" yaml:"consistency_gate,omitempty"`

	// HostScopedKeys are keys expected to differ per host, excluded from the gate.
	HostScopedKeys []string `json:"host_scoped_keys,omitempty" yaml:"host_scoped_keys,omitempty"`

	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// MaxAttempts returns the attempt budget for the stage under the given tuning.
func (s *Stage) MaxAttempts(t hardware.Tuning) int {
	if s.Retry != nil && s.Retry.MaxAttempts > 0 {
		return s.Retry.MaxAttempts
	}
	if t.DefaultMaxAttempts > 0 {
		return t.DefaultMaxAttempts
	}
	return 1
}

// Backoff returns the pause between attempts.
func (s *Stage) Backoff() time.Duration {
	if s.Retry == nil {
		return 0
	}
	return time.Duration(s.Retry.BackoffSeconds) * time.Second
}

// Threshold returns the effective failed-host fraction tolerated per attempt.
func (s *Stage) Threshold() float64 {
	if s.BestEffort {
		return 1
	}
	return s.FailureThreshold
}

// Timeout returns the initial engine timeout in seconds.
func (s *Stage) Timeout(t hardware.Tuning) int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	if t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	return hardware.BaseTimeoutSeconds
}

// Plan is a deployment plan bound to one inventory.
type Plan struct {
	PlanID      string  `json:"plan_id"`
	Name        string  `json:"name"`
	InventoryID string  `json:"inventory_id"`
	Stages      []Stage `json:"stages"`

	// Snapshots declares what pre and post snapshots collect. Nil disables
	// snapshotting for the plan.
	Snapshots *snapshot.Spec `json:"snapshots,omitempty"`

	// Fingerprint digests the stage list and snapshot spec.
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPlan builds a plan and derives its identity and fingerprint.
func NewPlan(name, inventoryID string, stages []Stage, spec *snapshot.Spec, now time.Time) (*Plan, error) {
	p := &Plan{
		PlanID:      PlanID(name, inventoryID),
		Name:        name,
		InventoryID: inventoryID,
		Stages:      stages,
		Snapshots:   spec,
		CreatedAt:   now.UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(stages, spec)
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fp
	return p, nil
}

// Validate checks the structural rules every plan must satisfy.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return engine.NewConfigurationError("plan name is required", nil)
	}
	if len(p.Stages) == 0 {
		return engine.NewConfigurationError("plan has no stages", nil).WithPlan(p.PlanID)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.ID == "" {
			return engine.NewConfigurationError(fmt.Sprintf("stage %d has no id", i), nil).WithPlan(p.PlanID)
		}
		if seen[st.ID] {
			return engine.NewConfigurationError("duplicate stage id", nil).WithPlan(p.PlanID).WithStage(st.ID)
		}
		seen[st.ID] = true
		if st.FailureThreshold < 0 || st.FailureThreshold > 1 {
			return engine.NewConfigurationError("failure threshold must be within [0,1]", nil).
				WithPlan(p.PlanID).WithStage(st.ID)
		}
	}
	return nil
}

// Stage returns the stage with the given ID.
func (p *Plan) Stage(id string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// PlanID derives the stable plan identity from the plan name and inventory
// identity: the slugged name followed by 12 hex digits of
// sha256(name \x00 inventoryID).
func PlanID(name, inventoryID string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "plan"
	}
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	sum := sha256.Sum256([]byte(name + "\x00" + inventoryID))
	return slug + "-" + hex.EncodeToString(sum[:])[:12]
}

// Fingerprint digests the parts of a plan that must not change while a
// deployment is resumable.
func Fingerprint(stages []Stage, spec *snapshot.Spec) (string, error) {
	data, err := json.Marshal(struct {
		Stages    []Stage        `json:"stages"`
		Snapshots *snapshot.Spec `json:"snapshots,omitempty"`
	}{stages, spec})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
