package policy

import (
	"time"

	"github.com/openfroyo/rollout/pkg/deployment"
)

// Severity represents the severity level of a guardrail violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
	// SeverityWarning is logged but does not block the plan.
	SeverityWarning Severity = "warning"
	// SeverityError blocks the plan.
	SeverityError Severity = "error"
	// SeverityCritical blocks the plan.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// GuardPackage is the Rego package prefix every guardrail policy lives under.
// Each policy contributes violations through its deny set.
const GuardPackage = "rollout.guard"

// Policy is a Rego guardrail.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rego        string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`

	// Source is the file the policy was read from; empty for builtins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Stage    string   `json:"stage,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document policies see as input.
type Input struct {
	Plan    *deployment.Plan `json:"plan"`
	Context InputContext     `json:"context"`
}

// InputContext describes the evaluation.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Evaluated   int         `json:"evaluated"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Blocking returns the violations that stop the plan.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
