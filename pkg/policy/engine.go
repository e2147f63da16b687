package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

// Engine evaluates Rego guardrails against deployment plans. It satisfies
// the orchestrator's Guardrail interface through Check.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	loader   *Loader
	now      func() time.Time
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with no policies loaded.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		policies: make(map[string]*compiledPolicy),
		loader:   NewLoader(logger),
		now:      time.Now,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
}

// LoadBuiltins compiles the built-in guardrails.
func (e *Engine) LoadBuiltins(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for _, p := range builtins {
		if err := e.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")
	return nil
}

// LoadPolicies compiles every policy found under paths. A policy with the
// same name as one already loaded replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s (%s): %w", p.Name, p.Source, err)
		}
	}
	return nil
}

// AddPolicy compiles p and makes it part of every later evaluation. The
// policy's package must be rollout.guard or nested below it.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.valid() {
		return fmt.Errorf("unknown severity %q", p.Severity)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg != GuardPackage && !strings.HasPrefix(pkg, GuardPackage+".") {
		return fmt.Errorf("package %s is not under %s", pkg, GuardPackage)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		pkg:      pkg,
		query:    query,
		compiled: e.now(),
	}
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", p.Name).
		Str("package", pkg).
		Msg("policy compiled")
	return nil
}

// Evaluate runs every enabled policy against plan. The plan is allowed when
// no violation is blocking.
func (e *Engine) Evaluate(ctx context.Context, plan *deployment.Plan, operation string) (*Result, error) {
	input, err := planInput(plan, operation, e.now())
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: e.now()}
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		result.Evaluated++
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		a, b := result.Violations[i], result.Violations[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Message < b.Message
	})
	result.Allowed = len(result.Blocking()) == 0
	return result, nil
}

// Check evaluates plan before a deploy. Blocking violations and evaluation
// failures are configuration errors with the guardrail code; other
// violations are logged.
func (e *Engine) Check(ctx context.Context, plan *deployment.Plan) error {
	result, err := e.Evaluate(ctx, plan, "deploy")
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return engine.NewConfigurationError("guardrail evaluation failed", err).
			WithCode(engine.ErrCodeGuardrail).
			WithPlan(plan.PlanID)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			continue
		}
		e.logger.Warn().
			Str("plan", plan.PlanID).
			Str("policy", v.Policy).
			Str("stage", v.Stage).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	blocking := result.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	msgs := make([]string, len(blocking))
	for i, v := range blocking {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	derr := engine.NewConfigurationError(
		fmt.Sprintf("plan violates %d guardrail(s): %s", len(blocking), strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodeGuardrail).
		WithPlan(plan.PlanID)
	if len(blocking) == 1 && blocking[0].Stage != "" {
		derr = derr.WithStage(blocking[0].Stage)
	}
	return derr
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation reads a deny entry, either a message string or an object
// with message, severity and stage.
func createViolation(p Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok && Severity(sev).valid() {
			v.Severity = Severity(sev)
		}
		if stage, ok := d["stage"].(string); ok {
			v.Stage = stage
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// planInput renders the policy input as plain JSON values.
func planInput(plan *deployment.Plan, operation string, now time.Time) (map[string]interface{}, error) {
	data, err := json.Marshal(Input{
		Plan:    plan,
		Context: InputContext{Timestamp: now.UTC(), Operation: operation},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy %s not found", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnablePolicy enables a policy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy %s not found", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}
