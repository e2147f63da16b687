package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
)

// PathPredicate reports whether a tracked config path is security relevant.
// Drift on such paths is high severity.
type PathPredicate func(path string) bool

// SeverityPackage is the Rego package of a security-path policy. The policy
// defines security_relevant for input {"path": ...}.
const SeverityPackage = "rollout.severity"

// StarlarkPredicateFunc is the function a Starlark security-path script
// defines. It takes the path and returns a truthy value.
const StarlarkPredicateFunc = "security_relevant"

// starlarkPredicateSteps bounds a single predicate call.
const starlarkPredicateSteps = 1_000_000

// SecurityOptions select the predicates combined by NewSecurityPredicate.
type SecurityOptions struct {
	Globs        []string
	RegoFile     string
	StarlarkFile string
}

// NewSecurityPredicate combines the configured predicates: a path is
// security relevant when any of them says so. It returns nil when nothing
// is configured, meaning no path is.
func NewSecurityPredicate(ctx context.Context, opts SecurityOptions, logger zerolog.Logger) (PathPredicate, error) {
	var preds []PathPredicate

	if len(opts.Globs) > 0 {
		p, err := GlobPredicate(opts.Globs)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if opts.RegoFile != "" {
		src, err := os.ReadFile(opts.RegoFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read security policy: %w", err)
		}
		p, err := RegoPredicate(ctx, opts.RegoFile, string(src), logger)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if opts.StarlarkFile != "" {
		src, err := os.ReadFile(opts.StarlarkFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read security script: %w", err)
		}
		p, err := StarlarkPredicate(opts.StarlarkFile, string(src), logger)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	if len(preds) == 0 {
		return nil, nil
	}
	return AnyOf(preds...), nil
}

// AnyOf returns a predicate that holds when any of preds holds.
func AnyOf(preds ...PathPredicate) PathPredicate {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

// GlobPredicate matches paths against glob patterns with '/' as the
// separator, so * stays within one segment and ** crosses them.
func GlobPredicate(patterns []string) (PathPredicate, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid security glob %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return func(path string) bool {
		for _, g := range globs {
			if g.Match(path) {
				return true
			}
		}
		return false
	}, nil
}

// RegoPredicate compiles a rollout.severity policy. An undefined result is
// false. Evaluation errors are logged and count as security relevant.
func RegoPredicate(ctx context.Context, filename, src string, logger zerolog.Logger) (PathPredicate, error) {
	module, err := ast.ParseModule(filename, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse security policy: %w", err)
	}
	if pkg := module.Package.Path.String(); pkg != "data."+SeverityPackage {
		return nil, fmt.Errorf("security policy package must be %s, got %s", SeverityPackage, pkg)
	}

	query, err := rego.New(
		rego.Module(filename, src),
		rego.Query("data."+SeverityPackage+".security_relevant"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare security policy: %w", err)
	}

	log := logger.With().Str("component", "security-predicate").Str("policy", filename).Logger()
	return func(path string) bool {
		rs, err := query.Eval(context.Background(), rego.EvalInput(map[string]interface{}{"path": path}))
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("security policy failed, treating path as security relevant")
			return true
		}
		if len(rs) == 0 || len(rs[0].Expressions) == 0 {
			return false
		}
		relevant, _ := rs[0].Expressions[0].Value.(bool)
		return relevant
	}, nil
}

// StarlarkPredicate runs a script once and calls its security_relevant
// function per path. Script globals are frozen after loading. Call errors
// are logged and count as security relevant.
func StarlarkPredicate(filename, src string, logger zerolog.Logger) (PathPredicate, error) {
	log := logger.With().Str("component", "security-predicate").Str("script", filename).Logger()

	thread := &starlark.Thread{
		Name: "rollout-security",
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(starlarkPredicateSteps)

	globals, err := starlark.ExecFile(thread, filename, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load security script: %w", err)
	}
	globals.Freeze()

	fn, ok := globals[StarlarkPredicateFunc].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("security script %s defines no %s function", filename, StarlarkPredicateFunc)
	}

	return func(path string) bool {
		th := &starlark.Thread{Name: "rollout-security", Print: thread.Print}
		th.SetMaxExecutionSteps(starlarkPredicateSteps)
		v, err := starlark.Call(th, fn, starlark.Tuple{starlark.String(path)}, nil)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("security script failed, treating path as security relevant")
			return true
		}
		return bool(v.Truth())
	}, nil
}
