package deployment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/engine/enginefake"
	"github.com/openfroyo/rollout/pkg/hardware"
)

var standardTuning = hardware.Tune(hardware.Profile{Tier: hardware.TierStandard})

// testInventory returns web={web1,web2}, db={db1}.
func testInventory(t *testing.T) *engine.Inventory {
	t.Helper()
	return &engine.Inventory{
		Name: "test",
		Groups: map[string]*engine.HostGroup{
			"web": {Hosts: map[string]*engine.Host{
				"web1": {Tags: []string{"canary"}},
				"web2": {},
			}},
			"db": {Hosts: map[string]*engine.Host{
				"db1": {},
			}},
		},
	}
}

func newTestExecutor(t *testing.T, eng engine.Engine, cfg ExecutorConfig) *Executor {
	t.Helper()
	cfg.Engine = eng
	if cfg.Inventory == nil {
		cfg.Inventory = testInventory(t)
	}
	cfg.Logger = zerolog.Nop()
	return NewExecutor(cfg)
}

func webStage(attempts int) *Stage {
	return &Stage{
		ID:       "web",
		Fragment: "site.yml",
		Target:   engine.TargetSelector{Group: "web"},
		Retry:    &RetryPolicy{MaxAttempts: attempts},
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	eng := enginefake.New()
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	rec, err := ex.Execute(context.Background(), webStage(3), standardTuning, nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec.Status != StageStatusSucceeded || rec.Attempts != 1 || len(rec.History) != 1 {
		t.Errorf("record = status %s attempts %d history %d", rec.Status, rec.Attempts, len(rec.History))
	}
	if rec.StartedAt == nil || rec.EndedAt == nil {
		t.Error("timestamps not set")
	}
	if len(rec.PerHost) != 2 {
		t.Errorf("PerHost has %d entries, want 2", len(rec.PerHost))
	}

	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine called %d times, want 1", len(calls))
	}
	req := calls[0]
	if req.Parallelism != 10 || !req.AsyncEnabled || req.TimeoutSeconds != 300 {
		t.Errorf("request tuning = %d/%v/%d, want 10/true/300", req.Parallelism, req.AsyncEnabled, req.TimeoutSeconds)
	}
	if strings.Join(req.Hosts, ",") != "web1,web2" || req.Attempt != 1 {
		t.Errorf("request hosts %v attempt %d", req.Hosts, req.Attempt)
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web2", 1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	var seen []int
	rec, err := ex.Execute(context.Background(), webStage(3), standardTuning, nil, ExecuteOptions{
		OnAttempt: func(r *StageExecutionRecord) error {
			seen = append(seen, r.Attempts)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec.Attempts != 2 || len(rec.History) != 2 {
		t.Errorf("attempts = %d, history = %d, want 2/2", rec.Attempts, len(rec.History))
	}
	if rec.History[0].Status != StageStatusFailed || rec.History[0].FailedHosts != 1 {
		t.Errorf("first attempt = %+v", rec.History[0])
	}
	if rec.History[1].Status != StageStatusSucceeded {
		t.Errorf("second attempt status = %s", rec.History[1].Status)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnAttempt saw %v, want [1 2]", seen)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web2", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	rec, err := ex.Execute(context.Background(), webStage(2), standardTuning, nil, ExecuteOptions{})
	if !engine.IsExecutionError(err) {
		t.Fatalf("Execute() error = %v, want execution error", err)
	}
	if rec.Status != StageStatusFailed || rec.Attempts != 2 || len(eng.Calls()) != 2 {
		t.Errorf("status %s attempts %d calls %d", rec.Status, rec.Attempts, len(eng.Calls()))
	}
	if got := rec.FailedHosts(); len(got) != 1 || got[0] != "web2" {
		t.Errorf("FailedHosts() = %v, want [web2]", got)
	}
	if !strings.Contains(rec.Error, "1 of 2 hosts failed") {
		t.Errorf("Error = %q", rec.Error)
	}
}

func TestExecuteDefaultAttemptsFromTuning(t *testing.T) {
	tests := []struct {
		tier hardware.Tier
		want int
	}{
		{hardware.TierHighPerformance, 2},
		{hardware.TierStandard, 3},
		{hardware.TierMinimal, 4},
		{hardware.TierConstrained, 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			eng := enginefake.New()
			eng.FailSystemic("web", "connection refused", -1)
			ex := newTestExecutor(t, eng, ExecutorConfig{})
			stage := webStage(0)
			stage.Retry = nil

			_, err := ex.Execute(context.Background(), stage, hardware.Tune(hardware.Profile{Tier: tt.tier}), nil, ExecuteOptions{})
			if err == nil {
				t.Fatal("Execute() succeeded, want failure")
			}
			if got := len(eng.Calls()); got != tt.want {
				t.Errorf("engine called %d times, want %d", got, tt.want)
			}
		})
	}
}

func TestExecuteFailureThreshold(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		bestEffort bool
		systemic   bool
		want       StageStatus
	}{
		{name: "zero threshold", threshold: 0, want: StageStatusFailed},
		{name: "half tolerated", threshold: 0.5, want: StageStatusSucceeded},
		{name: "below half", threshold: 0.49, want: StageStatusFailed},
		{name: "best effort", bestEffort: true, want: StageStatusSucceeded},
		{name: "best effort systemic", bestEffort: true, systemic: true, want: StageStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginefake.New()
			if tt.systemic {
				eng.FailSystemic("web", "unreachable", -1)
			} else {
				eng.FailHost("web", "web1", -1)
			}
			ex := newTestExecutor(t, eng, ExecutorConfig{})
			stage := webStage(1)
			stage.FailureThreshold = tt.threshold
			stage.BestEffort = tt.bestEffort

			rec, _ := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{})
			if rec.Status != tt.want {
				t.Errorf("status = %s, want %s", rec.Status, tt.want)
			}
		})
	}
}

func TestExecuteSystemicFailsEveryHost(t *testing.T) {
	eng := enginefake.New()
	eng.FailSystemic("web", "ssh: connection refused", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	rec, err := ex.Execute(context.Background(), webStage(1), standardTuning, nil, ExecuteOptions{})
	var de *engine.DeployError
	if !errors.As(err, &de) || de.Code != engine.ErrCodeSystemic {
		t.Fatalf("error = %v, want systemic execution error", err)
	}
	for host, r := range rec.PerHost {
		if !r.Failed || r.ErrorMessage != "ssh: connection refused" {
			t.Errorf("host %s = %+v", host, r)
		}
	}
	if rec.History[0].SystemicError == "" {
		t.Error("systemic error not recorded in history")
	}
}

type partialEngine struct{}

func (*partialEngine) Execute(_ context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	return &engine.ExecuteResult{PerHost: map[string]engine.HostResult{req.Hosts[0]: {}}}, nil
}

func (*partialEngine) Query(context.Context, engine.QueryRequest) (*engine.QueryResult, error) {
	return &engine.QueryResult{}, nil
}

func TestExecuteMissingHostResultCountsAsFailed(t *testing.T) {
	ex := newTestExecutor(t, &partialEngine{}, ExecutorConfig{})

	rec, err := ex.Execute(context.Background(), webStage(1), standardTuning, nil, ExecuteOptions{})
	if err == nil {
		t.Fatal("Execute() succeeded with a missing host result")
	}
	r := rec.PerHost["web2"]
	if !r.Failed || r.ErrorMessage != "no result reported by engine" {
		t.Errorf("web2 = %+v", r)
	}
	if rec.PerHost["web1"].Failed {
		t.Error("web1 should have succeeded")
	}
}

func TestExecuteSkipsEmptyTarget(t *testing.T) {
	eng := enginefake.New()
	ex := newTestExecutor(t, eng, ExecutorConfig{})
	stage := webStage(1)
	stage.Target.Tags = []string{"nonexistent"}

	rec, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec.Status != StageStatusSkipped || len(rec.Warnings) != 1 {
		t.Errorf("status %s warnings %v", rec.Status, rec.Warnings)
	}
	if len(eng.Calls()) != 0 {
		t.Error("engine invoked for an empty target")
	}
}

func TestExecuteUnknownGroup(t *testing.T) {
	ex := newTestExecutor(t, enginefake.New(), ExecutorConfig{})
	stage := webStage(1)
	stage.Target.Group = "cache"

	rec, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{})
	if !engine.IsConfigurationError(err) {
		t.Fatalf("error = %v, want configuration error", err)
	}
	if rec.Status != StageStatusFailed || rec.Attempts != 0 {
		t.Errorf("status %s attempts %d", rec.Status, rec.Attempts)
	}
}

func TestExecuteCancellation(t *testing.T) {
	eng := enginefake.New()
	eng.Block("web")
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	rec, err := ex.Execute(ctx, webStage(3), standardTuning, nil, ExecuteOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if rec.Status != StageStatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 0 || len(rec.History) != 0 {
		t.Errorf("interrupted attempt counted: attempts %d history %d", rec.Attempts, len(rec.History))
	}
}

func TestExecuteCancellationDuringBackoff(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web1", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})
	stage := webStage(3)
	stage.Retry.BackoffSeconds = 60

	ctx, cancel := context.WithCancel(context.Background())
	rec, err := ex.Execute(ctx, stage, standardTuning, nil, ExecuteOptions{
		OnAttempt: func(*StageExecutionRecord) error {
			cancel()
			return nil
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if rec.Attempts != 1 || len(eng.Calls()) != 1 {
		t.Errorf("attempts %d calls %d, want 1/1", rec.Attempts, len(eng.Calls()))
	}
}

func TestExecuteContinuesPriorRecord(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web1", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prior := &StageExecutionRecord{
		StageID:   "web",
		Status:    StageStatusRunning,
		Attempts:  1,
		StartedAt: &started,
		History:   []AttemptRecord{{Attempt: 1, Status: StageStatusFailed}},
	}

	rec, _ := ex.Execute(context.Background(), webStage(2), standardTuning, prior, ExecuteOptions{})
	if len(eng.Calls()) != 1 {
		t.Errorf("engine called %d times, want 1", len(eng.Calls()))
	}
	if eng.Calls()[0].Attempt != 2 {
		t.Errorf("attempt number = %d, want 2", eng.Calls()[0].Attempt)
	}
	if len(rec.History) != 2 || !rec.StartedAt.Equal(started) {
		t.Errorf("history %d started %v", len(rec.History), rec.StartedAt)
	}
}

func TestExecuteTimeoutEscalation(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for real timeouts")
	}
	eng := enginefake.New()
	eng.Block("web")
	ex := newTestExecutor(t, eng, ExecutorConfig{TimeoutGrace: -1})
	stage := webStage(2)
	stage.TimeoutSeconds = 1

	rec, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{})
	var de *engine.DeployError
	if !errors.As(err, &de) || de.Code != engine.ErrCodeTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}

	calls := eng.Calls()
	if len(calls) != 2 || calls[0].TimeoutSeconds != 1 || calls[1].TimeoutSeconds != 2 {
		t.Errorf("timeouts = %+v, want 1 then 2", calls)
	}
	for _, a := range rec.History {
		if !a.TimedOut {
			t.Errorf("attempt %d not marked timed out", a.Attempt)
		}
	}
}

type scriptedRunner struct {
	fail map[string]bool
	ran  []string
}

func (r *scriptedRunner) Run(_ context.Context, command string) (string, error) {
	r.ran = append(r.ran, command)
	if r.fail[command] {
		return "boom", errors.New("exit status 1")
	}
	return "", nil
}

func TestExecutePreCommands(t *testing.T) {
	t.Run("run before engine", func(t *testing.T) {
		eng := enginefake.New()
		runner := &scriptedRunner{}
		ex := newTestExecutor(t, eng, ExecutorConfig{Commands: runner})
		stage := webStage(1)
		stage.PreCommands = []string{"make bundle", "true"}

		if _, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if len(runner.ran) != 2 {
			t.Errorf("ran %v", runner.ran)
		}
	})

	t.Run("failure is systemic", func(t *testing.T) {
		eng := enginefake.New()
		runner := &scriptedRunner{fail: map[string]bool{"make bundle": true}}
		ex := newTestExecutor(t, eng, ExecutorConfig{Commands: runner})
		stage := webStage(2)
		stage.PreCommands = []string{"make bundle"}

		rec, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{})
		if err == nil {
			t.Fatal("Execute() succeeded despite failing pre-command")
		}
		if len(eng.Calls()) != 0 {
			t.Error("engine invoked after pre-command failure")
		}
		if rec.Attempts != 2 || !strings.Contains(rec.History[0].SystemicError, "make bundle") {
			t.Errorf("attempts %d history %+v", rec.Attempts, rec.History)
		}
	})

	t.Run("no runner", func(t *testing.T) {
		ex := newTestExecutor(t, enginefake.New(), ExecutorConfig{})
		stage := webStage(1)
		stage.PreCommands = []string{"true"}

		if _, err := ex.Execute(context.Background(), stage, standardTuning, nil, ExecuteOptions{}); err == nil {
			t.Error("Execute() succeeded without a command runner")
		}
	})
}

func TestExecuteOnAttemptErrorStops(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web1", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})
	persistErr := engine.NewPersistenceError("disk full", nil)

	_, err := ex.Execute(context.Background(), webStage(3), standardTuning, nil, ExecuteOptions{
		OnAttempt: func(*StageExecutionRecord) error { return persistErr },
	})
	if !errors.Is(err, persistErr) {
		t.Fatalf("error = %v, want persistence error", err)
	}
	if len(eng.Calls()) != 1 {
		t.Errorf("engine called %d times after persistence failure", len(eng.Calls()))
	}
}

func TestExecuteMaxAttemptsOverride(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web1", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	_, _ = ex.Execute(context.Background(), webStage(5), standardTuning, nil, ExecuteOptions{MaxAttempts: 1})
	if len(eng.Calls()) != 1 {
		t.Errorf("engine called %d times, want 1", len(eng.Calls()))
	}
}

func TestExecuteFailureNamesPlanAndStage(t *testing.T) {
	eng := enginefake.New()
	eng.FailHost("web", "web2", -1)
	ex := newTestExecutor(t, eng, ExecutorConfig{})

	_, err := ex.Execute(context.Background(), webStage(1), standardTuning, nil, ExecuteOptions{PlanID: "site-1a2b", RunID: "run-1"})
	var de *engine.DeployError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want a DeployError", err)
	}
	if de.PlanID != "site-1a2b" || de.StageID != "web" || de.Code != engine.ErrCodeStageFailed {
		t.Errorf("error identity = plan %q stage %q code %q", de.PlanID, de.StageID, de.Code)
	}
}

func TestExecuteLogsThroughContextLogger(t *testing.T) {
	var buf strings.Builder
	ctxLogger := zerolog.New(&buf).With().Str("run_id", "run-ctx").Logger()
	ctx := ctxLogger.WithContext(context.Background())

	ex := newTestExecutor(t, enginefake.New(), ExecutorConfig{})
	if _, err := ex.Execute(ctx, webStage(1), standardTuning, nil, ExecuteOptions{PlanID: "p"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"run_id":"run-ctx"`, `"component":"executor"`, `"message":"stage succeeded"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}
