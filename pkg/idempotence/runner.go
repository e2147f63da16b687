// Package idempotence measures whether re-running a stage converges.
//
// A Runner executes the same stage several times against the same hosts and
// scores the run by how many iterations after the first still changed
// something.
package idempotence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

const (
	// DefaultPenalty is subtracted from the score for every iteration after
	// the first that reports changes.
	DefaultPenalty = 10

	// MinIterations is the smallest meaningful iteration count.
	MinIterations = 2

	// IssueAlreadyConverged is raised when the first iteration changed nothing.
	IssueAlreadyConverged = "already converged before test — baseline may be stale"
)

// Recommendations attached to results.
const (
	RecommendFixFailures   = "Fix stage execution failures before testing idempotence"
	RecommendReviewChanges = "Review the stage for non-idempotent operations, such as commands without guards"
	RecommendRefreshBase   = "Re-run against hosts that are not yet converged to exercise the first apply"
	RecommendProduction    = "Stage appears to be idempotent and is ready for progressive rollout"
)

// StageRunner runs one stage. *deployment.Executor satisfies it.
type StageRunner interface {
	Execute(ctx context.Context, stage *deployment.Stage, tuning hardware.Tuning, prior *deployment.StageExecutionRecord, opts deployment.ExecuteOptions) (*deployment.StageExecutionRecord, error)
}

// Iteration is the outcome of one stage execution.
type Iteration struct {
	Number       int           `json:"number"`
	Changes      int           `json:"changes"`
	ChangedHosts []string      `json:"changed_hosts,omitempty"`
	FailedHosts  []string      `json:"failed_hosts,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Result is the outcome of an idempotence test.
type Result struct {
	StageID    string `json:"stage_id"`
	Iterations int    `json:"iterations"`

	// PerIterationChangeCount holds the total change count of each completed
	// iteration, in order.
	PerIterationChangeCount []int `json:"per_iteration_change_count"`

	// ConsistencyScore is 0 to 100; 100 means fully idempotent.
	ConsistencyScore int      `json:"consistency_score"`
	Issues           []string `json:"issues"`
	Recommendations  []string `json:"recommendations"`

	// Aborted is set when an iteration failed and the test stopped early.
	Aborted bool `json:"aborted"`

	Details   []Iteration `json:"details,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
}

// Idempotent reports whether the stage scored full marks.
func (r *Result) Idempotent() bool {
	return !r.Aborted && r.ConsistencyScore == 100
}

// Config wires a Runner.
type Config struct {
	Executor StageRunner
	Tuning   hardware.Tuning

	// Penalty overrides DefaultPenalty when positive.
	Penalty int

	// Pause is slept between iterations.
	Pause time.Duration

	// PlanID labels metrics and events.
	PlanID string

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Runner executes idempotence tests.
type Runner struct {
	exec    StageRunner
	tuning  hardware.Tuning
	penalty int
	pause   time.Duration
	planID  string
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	penalty := cfg.Penalty
	if penalty <= 0 {
		penalty = DefaultPenalty
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Runner{
		exec:    cfg.Executor,
		tuning:  cfg.Tuning,
		penalty: penalty,
		pause:   cfg.Pause,
		planID:  cfg.PlanID,
		tel:     tel,
		logger:  telemetry.Component(cfg.Logger, "idempotence"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes stage n times with a single attempt each and scores the
// result. An iteration failure stops the test: the result is returned with
// Aborted set and a nil error. Cancellation returns the partial result
// together with ctx.Err().
func (r *Runner) Run(ctx context.Context, stage *deployment.Stage, n int) (*Result, error) {
	if n < MinIterations {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("idempotence test needs at least %d iterations, got %d", MinIterations, n), nil).
			WithStage(stage.ID)
	}

	runID := uuid.NewString()
	logger := telemetry.ForStage(r.logger, r.planID, stage.ID).With().Str(telemetry.FieldRunID, runID).Logger()
	res := &Result{StageID: stage.ID, StartedAt: r.now()}

	ctx, span := r.tel.Tracer.StartStageSpan(ctx, r.planID, stage.ID)
	defer span.End()

	var runErr error
	for i := 1; i <= n; i++ {
		if i > 1 && r.pause > 0 {
			select {
			case <-time.After(r.pause):
			case <-ctx.Done():
				runErr = ctx.Err()
			}
			if runErr != nil {
				break
			}
		}

		started := r.now()
		rec, err := r.exec.Execute(ctx, stage, r.tuning, nil, deployment.ExecuteOptions{
			PlanID:      r.planID,
			RunID:       runID,
			MaxAttempts: 1,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				runErr = err
			}
			res.Aborted = true
			res.Issues = append(res.Issues, fmt.Sprintf("iteration %d failed: %s", i, failureReason(rec, err)))
			logger.Error().Err(err).Int("iteration", i).Msg("idempotence iteration failed")
			break
		}
		if rec.Status == deployment.StageStatusSkipped {
			res.Aborted = true
			res.Issues = append(res.Issues, fmt.Sprintf("iteration %d did not run: stage matched no hosts", i))
			break
		}

		it := iterationOf(i, rec, r.now().Sub(started))
		res.Details = append(res.Details, it)
		res.PerIterationChangeCount = append(res.PerIterationChangeCount, it.Changes)
		res.Iterations = i
		logger.Info().Int("iteration", i).Int("changes", it.Changes).Msg("idempotence iteration completed")
	}

	if runErr != nil && !res.Aborted {
		res.Aborted = true
		res.Issues = append(res.Issues, "interrupted: "+runErr.Error())
	}

	res.Issues = append(res.Issues, changeIssues(res.Details)...)
	res.ConsistencyScore = Score(res.PerIterationChangeCount, r.penalty)
	if res.Aborted {
		res.ConsistencyScore = 0
	}
	res.Recommendations = recommend(res)
	res.EndedAt = r.now()

	r.tel.Metrics.SetIdempotenceScore(r.planID, stage.ID, res.ConsistencyScore)
	level := telemetry.EventLevelInfo
	if !res.Idempotent() {
		level = telemetry.EventLevelWarning
	}
	_ = r.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeIdempotenceCompleted,
		Source:  "idempotence",
		PlanID:  r.planID,
		RunID:   runID,
		StageID: stage.ID,
		Message: fmt.Sprintf("consistency score %d after %d iterations", res.ConsistencyScore, res.Iterations),
		Level:   level,
		Data: map[string]interface{}{
			"score":   res.ConsistencyScore,
			"aborted": res.Aborted,
			"changes": res.PerIterationChangeCount,
		},
	})
	if res.Idempotent() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("consistency score %d", res.ConsistencyScore))
	}

	logger.Info().
		Int("score", res.ConsistencyScore).
		Ints("changes", res.PerIterationChangeCount).
		Bool("aborted", res.Aborted).
		Msg("idempotence test finished")
	return res, runErr
}

// Score computes the consistency score of a change-count series: 100 minus
// penalty for every iteration after the first with a nonzero count, floored
// at 0.
func Score(changes []int, penalty int) int {
	score := 100
	for i, c := range changes {
		if i > 0 && c > 0 {
			score -= penalty
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

func iterationOf(n int, rec *deployment.StageExecutionRecord, d time.Duration) Iteration {
	it := Iteration{Number: n, Duration: d}
	for host, hr := range rec.PerHost {
		if c := hr.Changes(); c > 0 {
			it.Changes += c
			it.ChangedHosts = append(it.ChangedHosts, host)
		}
		if hr.Failed {
			it.FailedHosts = append(it.FailedHosts, host)
		}
	}
	sort.Strings(it.ChangedHosts)
	sort.Strings(it.FailedHosts)
	return it
}

func changeIssues(details []Iteration) []string {
	var issues []string
	for i, it := range details {
		if i == 0 {
			if it.Changes == 0 {
				issues = append(issues, IssueAlreadyConverged)
			}
			continue
		}
		if it.Changes > 0 {
			issues = append(issues, fmt.Sprintf("iteration %d reported %d changes on %s",
				it.Number, it.Changes, strings.Join(it.ChangedHosts, ", ")))
		}
	}
	return issues
}

func failureReason(rec *deployment.StageExecutionRecord, err error) string {
	if rec != nil && rec.Error != "" {
		return rec.Error
	}
	return err.Error()
}

func recommend(res *Result) []string {
	var recs []string
	if res.Aborted {
		recs = append(recs, RecommendFixFailures)
	}
	if Score(res.PerIterationChangeCount, 1) < 100 {
		recs = append(recs, RecommendReviewChanges)
	}
	if len(res.PerIterationChangeCount) > 0 && res.PerIterationChangeCount[0] == 0 {
		recs = append(recs, RecommendRefreshBase)
	}
	if len(recs) == 0 {
		recs = append(recs, RecommendProduction)
	}
	return recs
}
