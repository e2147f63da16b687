package idempotence

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/engine/enginefake"
	"github.com/openfroyo/rollout/pkg/hardware"
)

func newTestRunner(t *testing.T, eng engine.Engine, cfg Config) *Runner {
	t.Helper()
	inv := &engine.Inventory{
		Name: "test",
		Groups: map[string]*engine.HostGroup{
			"web": {Hosts: map[string]*engine.Host{"web1": {}, "web2": {}}},
		},
	}
	cfg.Executor = deployment.NewExecutor(deployment.ExecutorConfig{
		Engine:    eng,
		Inventory: inv,
		Logger:    zerolog.Nop(),
	})
	cfg.Tuning = hardware.Tune(hardware.Profile{Tier: hardware.TierStandard})
	cfg.Logger = zerolog.Nop()
	return NewRunner(cfg)
}

func webStage() *deployment.Stage {
	return &deployment.Stage{
		ID:       "web",
		Fragment: "web.yml",
		Target:   engine.TargetSelector{Group: "web"},
		Retry:    &deployment.RetryPolicy{MaxAttempts: 3},
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		changes []int
		penalty int
		want    int
	}{
		{"converged after first", []int{3, 0, 0, 0, 0}, 10, 100},
		{"second iteration changes", []int{3, 2, 0, 0, 0}, 10, 90},
		{"every iteration changes", []int{1, 1, 1, 1, 1}, 10, 60},
		{"first zero", []int{0, 0, 0}, 10, 100},
		{"floored at zero", []int{1, 1, 1, 1}, 40, 0},
		{"empty", nil, 10, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.changes, tt.penalty); got != tt.want {
				t.Errorf("Score(%v, %d) = %d, want %d", tt.changes, tt.penalty, got, tt.want)
			}
		})
	}
}

func TestRunIdempotentStage(t *testing.T) {
	eng := enginefake.New()
	eng.SetChanges("web", 3, 0, 0, 0, 0)
	r := newTestRunner(t, eng, Config{})

	res, err := r.Run(context.Background(), webStage(), 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(res.PerIterationChangeCount, []int{3, 0, 0, 0, 0}) {
		t.Errorf("changes = %v", res.PerIterationChangeCount)
	}
	if res.ConsistencyScore != 100 || len(res.Issues) != 0 || !res.Idempotent() {
		t.Errorf("score = %d, issues = %v", res.ConsistencyScore, res.Issues)
	}
	if res.Iterations != 5 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	if !reflect.DeepEqual(res.Recommendations, []string{RecommendProduction}) {
		t.Errorf("recommendations = %v", res.Recommendations)
	}
}

func TestRunNonIdempotentStage(t *testing.T) {
	eng := enginefake.New()
	eng.SetChanges("web", 3, 2, 0, 0, 0)
	r := newTestRunner(t, eng, Config{})

	res, err := r.Run(context.Background(), webStage(), 5)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ConsistencyScore != 90 {
		t.Errorf("score = %d, want 90", res.ConsistencyScore)
	}
	if len(res.Issues) != 1 || !strings.HasPrefix(res.Issues[0], "iteration 2 ") {
		t.Errorf("issues = %v", res.Issues)
	}
	if !strings.Contains(res.Issues[0], "web1") {
		t.Errorf("issue does not name the changed host: %s", res.Issues[0])
	}
	if res.Recommendations[0] != RecommendReviewChanges {
		t.Errorf("recommendations = %v", res.Recommendations)
	}
}

func TestRunAlreadyConverged(t *testing.T) {
	eng := enginefake.New()
	r := newTestRunner(t, eng, Config{})

	res, err := r.Run(context.Background(), webStage(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConsistencyScore != 100 {
		t.Errorf("score = %d, want 100", res.ConsistencyScore)
	}
	if len(res.Issues) != 1 || res.Issues[0] != "already converged before test — baseline may be stale" {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestRunCustomPenalty(t *testing.T) {
	eng := enginefake.New()
	eng.SetChanges("web", 1, 1, 1)
	r := newTestRunner(t, eng, Config{Penalty: 25})

	res, err := r.Run(context.Background(), webStage(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConsistencyScore != 50 {
		t.Errorf("score = %d, want 50", res.ConsistencyScore)
	}
}

func TestRunAbortsOnFailure(t *testing.T) {
	r := newTestRunner(t, enginefake.New(), Config{})
	stage := webStage()

	res, err := r.Run(context.Background(), stage, 1)
	if !engine.IsConfigurationError(err) || res != nil {
		t.Fatalf("Run(n=1) = %v, %v; want configuration error", res, err)
	}

	// The stage allows three attempts; an idempotence iteration gets one.
	failing := enginefake.New()
	failing.FailSystemic("web", "connection refused", -1)
	r = newTestRunner(t, failing, Config{})
	res, err = r.Run(context.Background(), stage, 3)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Aborted || res.ConsistencyScore != 0 {
		t.Errorf("aborted = %v, score = %d", res.Aborted, res.ConsistencyScore)
	}
	if len(failing.Calls()) != 1 {
		t.Errorf("engine calls = %d, want 1 (no retries)", len(failing.Calls()))
	}
	if len(res.Issues) == 0 || !strings.Contains(res.Issues[0], "iteration 1 failed") {
		t.Errorf("issues = %v", res.Issues)
	}
	if res.Recommendations[0] != RecommendFixFailures {
		t.Errorf("recommendations = %v", res.Recommendations)
	}
}

func TestRunAbortsMidway(t *testing.T) {
	eng := enginefake.New()
	eng.SetChanges("web", 4, 0, 0)
	r := newTestRunner(t, eng, Config{})

	calls := 0
	r.exec = stageRunnerFunc(func(ctx context.Context, stage *deployment.Stage, tuning hardware.Tuning, prior *deployment.StageExecutionRecord, opts deployment.ExecuteOptions) (*deployment.StageExecutionRecord, error) {
		calls++
		if calls == 2 {
			eng.FailHost("web", "web2", 1)
		}
		return newTestRunner(t, eng, Config{}).exec.Execute(ctx, stage, tuning, prior, opts)
	})

	res, err := r.Run(context.Background(), webStage(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted || res.Iterations != 1 {
		t.Errorf("aborted = %v, iterations = %d", res.Aborted, res.Iterations)
	}
	if !reflect.DeepEqual(res.PerIterationChangeCount, []int{4}) {
		t.Errorf("changes = %v", res.PerIterationChangeCount)
	}
	if !strings.Contains(res.Issues[0], "iteration 2 failed: 1 of 2 hosts failed") {
		t.Errorf("issues = %v", res.Issues)
	}
}

func TestRunCancelledDuringPause(t *testing.T) {
	eng := enginefake.New()
	eng.SetChanges("web", 1)
	r := newTestRunner(t, eng, Config{Pause: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := r.Run(ctx, webStage(), 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !res.Aborted || res.Iterations != 1 || res.ConsistencyScore != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunSkippedStage(t *testing.T) {
	eng := enginefake.New()
	r := newTestRunner(t, eng, Config{})
	stage := webStage()
	stage.Target = engine.TargetSelector{Group: "web", Tags: []string{"nonexistent"}}

	res, err := r.Run(context.Background(), stage, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted {
		t.Error("stage without hosts not reported as aborted")
	}
}

type stageRunnerFunc func(ctx context.Context, stage *deployment.Stage, tuning hardware.Tuning, prior *deployment.StageExecutionRecord, opts deployment.ExecuteOptions) (*deployment.StageExecutionRecord, error)

func (f stageRunnerFunc) Execute(ctx context.Context, stage *deployment.Stage, tuning hardware.Tuning, prior *deployment.StageExecutionRecord, opts deployment.ExecuteOptions) (*deployment.StageExecutionRecord, error) {
	return f(ctx, stage, tuning, prior, opts)
}
