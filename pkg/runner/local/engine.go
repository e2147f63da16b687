package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
)

// ChangedPrefix marks a stdout line that reports one change.
const ChangedPrefix = "CHANGED"

const waitDelay = 2 * time.Second

// Config wires a local Engine.
type Config struct {
	// Shell runs fragments; defaults to /bin/sh.
	Shell string

	// FragmentDir resolves relative fragment paths; defaults to the working
	// directory.
	FragmentDir string

	Facts    FactSource
	Services ServiceReader
	Logger   zerolog.Logger
}

// Engine converges and inspects the local machine.
type Engine struct {
	shell    string
	dir      string
	facts    FactSource
	services ServiceReader
	logger   zerolog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates a local engine.
func New(cfg Config) *Engine {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Facts == nil {
		cfg.Facts = SystemFacts{}
	}
	if cfg.Services == nil {
		cfg.Services = SystemdReader{}
	}
	return &Engine{
		shell:    cfg.Shell,
		dir:      cfg.FragmentDir,
		facts:    cfg.Facts,
		services: cfg.Services,
		logger:   cfg.Logger.With().Str("component", "local-engine").Logger(),
	}
}

type hostReport struct {
	Changed  []string `json:"changed,omitempty"`
	ExitCode int      `json:"exit_code"`
	Duration float64  `json:"duration"`
}

// Execute implements engine.Engine.
func (e *Engine) Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	script := req.Fragment
	if !filepath.IsAbs(script) && e.dir != "" {
		script = filepath.Join(e.dir, script)
	}
	if info, err := os.Stat(script); err != nil || info.IsDir() {
		return &engine.ExecuteResult{
			PerHost:       map[string]engine.HostResult{},
			SystemicError: fmt.Sprintf("fragment %s is not a readable file", req.Fragment),
		}, nil
	}

	// Hosts still running when the stage timeout expires are killed and
	// reported as failed; cancelling ctx itself aborts the call.
	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		perHost = make(map[string]engine.HostResult, len(req.Hosts))
		reports = make(map[string]hostReport, len(req.Hosts))
	)

	g := new(errgroup.Group)
	limit := req.Parallelism
	if limit <= 0 || (!req.AsyncEnabled && limit > 1) {
		// Synchronous mode converges hosts one after another.
		limit = 1
	}
	g.SetLimit(limit)

	for _, host := range req.Hosts {
		g.Go(func() error {
			hr, rep := e.runHost(runCtx, script, host, req)
			mu.Lock()
			perHost[host] = hr
			reports[host] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report, err := json.Marshal(map[string]interface{}{
		"stage":   req.StageID,
		"attempt": req.Attempt,
		"hosts":   reports,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode change report: %w", err)
	}
	return &engine.ExecuteResult{PerHost: perHost, ChangeReport: report}, nil
}

func (e *Engine) runHost(ctx context.Context, script, host string, req engine.ExecuteRequest) (engine.HostResult, hostReport) {
	cmd := exec.CommandContext(ctx, e.shell, script)
	if e.dir != "" {
		cmd.Dir = e.dir
	}
	cmd.Env = append(os.Environ(), fragmentEnv(host, req)...)
	// Children of a killed shell may hold stdout open.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	rep := hostReport{Duration: time.Since(start).Seconds()}

	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, ChangedPrefix) {
			rep.Changed = append(rep.Changed, strings.TrimSpace(strings.TrimPrefix(line, ChangedPrefix)))
		}
	}

	hr := engine.HostResult{ChangeCount: len(rep.Changed), Changed: len(rep.Changed) > 0}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rep.ExitCode = exitErr.ExitCode()
		} else {
			rep.ExitCode = -1
		}
		hr.Failed = true
		hr.ErrorMessage = failureMessage(err, stderr.String())
		if ctx.Err() == context.DeadlineExceeded {
			hr.ErrorMessage = fmt.Sprintf("timed out after %ds", req.TimeoutSeconds)
		}
		protocol.Emit(ctx, host, "warn", hr.ErrorMessage)
	} else {
		protocol.Emit(ctx, host, "info", fmt.Sprintf("converged with %d change(s)", hr.ChangeCount))
	}

	e.logger.Debug().
		Str("host", host).
		Str("stage", req.StageID).
		Int("changes", hr.ChangeCount).
		Int("exit_code", rep.ExitCode).
		Msg("fragment finished")
	return hr, rep
}

func fragmentEnv(host string, req engine.ExecuteRequest) []string {
	env := []string{
		"ROLLOUT_HOST=" + host,
		"ROLLOUT_STAGE=" + req.StageID,
		"ROLLOUT_ATTEMPT=" + strconv.Itoa(req.Attempt),
		"ROLLOUT_TAGS=" + strings.Join(req.Tags, ","),
	}
	keys := make([]string, 0, len(req.Vars))
	for k := range req.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "ROLLOUT_VAR_"+envName(k)+"="+req.Vars[k])
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}

// failureMessage prefers the last stderr line over the bare exit status.
func failureMessage(err error, stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return fmt.Sprintf("%s: %s", err, last)
	}
	return err.Error()
}

// Query implements engine.Engine. Every host reports the same local state.
func (e *Engine) Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error) {
	all, err := e.facts.Facts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts: %w", err)
	}
	facts := pick(all, req.FactKeys)

	hashes := make(map[string]string, len(req.TrackedPaths))
	for _, path := range req.TrackedPaths {
		hashes[path] = HashFile(path)
	}

	services := make(map[string]string, len(req.ServiceNames))
	for _, name := range req.ServiceNames {
		state, err := e.services.State(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read service %s: %w", name, err)
		}
		services[name] = state
	}

	res := &engine.QueryResult{PerHost: make(map[string]engine.HostQuery, len(req.Hosts))}
	for _, host := range req.Hosts {
		res.PerHost[host] = engine.HostQuery{
			Facts:         clone(facts),
			FileHashes:    clone(hashes),
			ServiceStates: clone(services),
		}
	}
	return res, nil
}

// pick returns the entries of m named in keys, or all of m when keys is
// empty. Unknown keys are reported as empty strings.
func pick(m map[string]string, keys []string) map[string]string {
	if len(keys) == 0 {
		return clone(m)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
