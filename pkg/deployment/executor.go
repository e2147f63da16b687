package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// DefaultTimeoutGrace is added to the engine timeout to form the deadline of
// one attempt, so the engine can report its own timeout first.
const DefaultTimeoutGrace = 30 * time.Second

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Engine    engine.Engine
	Inventory *engine.Inventory

	// Commands runs stage pre-commands. Stages with pre-commands fail
	// systemically when it is nil.
	Commands engine.CommandRunner

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger

	// TimeoutGrace overrides DefaultTimeoutGrace. Negative means no grace.
	TimeoutGrace time.Duration
}

// ExecuteOptions adjust a single Execute call.
type ExecuteOptions struct {
	PlanID string
	RunID  string

	// MaxAttempts overrides the stage and tier attempt budget when positive.
	MaxAttempts int

	// OnAttempt is called with the record after every completed attempt.
	// A returned error stops execution and is returned as is.
	OnAttempt func(*StageExecutionRecord) error
}

// Executor runs one stage against its hosts with retries. It never persists
// state itself; callers persist through OnAttempt and the returned record.
type Executor struct {
	engine    engine.Engine
	inventory *engine.Inventory
	commands  engine.CommandRunner
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	grace     time.Duration
	now       func() time.Time
}

// NewExecutor creates a stage executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	grace := cfg.TimeoutGrace
	if grace == 0 {
		grace = DefaultTimeoutGrace
	}
	if grace < 0 {
		grace = 0
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Executor{
		engine:    cfg.Engine,
		inventory: cfg.Inventory,
		commands:  cfg.Commands,
		tel:       tel,
		logger:    cfg.Logger,
		grace:     grace,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ResolveHosts returns the hosts a stage targets.
func (e *Executor) ResolveHosts(stage *Stage) ([]string, error) {
	hosts, err := e.inventory.Resolve(stage.Target)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to resolve stage target", err).
			WithStage(stage.ID).WithDetail("target", stage.Target.String())
	}
	return hosts, nil
}

// Execute runs the stage until an attempt succeeds or the attempt budget is
// spent. prior, when non-nil, is continued: its history is kept and its
// attempt count counts against the budget.
//
// On success the record is returned with a nil error. When every attempt
// failed the record is marked failed and an ExecutionError is returned.
// When ctx is cancelled the record is marked failed without counting the
// interrupted attempt, and ctx.Err() is returned.
func (e *Executor) Execute(ctx context.Context, stage *Stage, tuning hardware.Tuning, prior *StageExecutionRecord, opts ExecuteOptions) (*StageExecutionRecord, error) {
	rec := prior
	if rec == nil {
		rec = &StageExecutionRecord{StageID: stage.ID, Status: StageStatusPending}
	}
	// The orchestrator's context logger already carries plan, run and stage.
	logger := telemetry.Component(telemetry.LoggerFrom(ctx, telemetry.ForStage(e.logger, opts.PlanID, stage.ID)), "executor")

	hosts, err := e.ResolveHosts(stage)
	if err != nil {
		e.finish(rec, StageStatusFailed, err.Error())
		return rec, err
	}

	started := e.now()
	if rec.StartedAt == nil {
		rec.StartedAt = &started
	}
	rec.Hosts = hosts
	rec.EndedAt = nil
	rec.Error = ""

	if len(hosts) == 0 {
		msg := fmt.Sprintf("target %s matched no hosts", stage.Target.String())
		rec.Warnings = append(rec.Warnings, msg)
		logger.Warn().Msg(msg)
		e.finish(rec, StageStatusSkipped, "")
		return rec, nil
	}

	maxAttempts := stage.MaxAttempts(tuning)
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	timeout := stage.Timeout(tuning)
	rec.Status = StageStatusRunning

	for rec.Attempts < maxAttempts {
		attempt := rec.Attempts + 1
		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Int("hosts", len(hosts)).
			Int("timeout_seconds", timeout).
			Msg("running stage attempt")

		ar := e.runAttempt(ctx, stage, hosts, tuning, timeout, attempt)

		if ctx.Err() != nil {
			e.finish(rec, StageStatusFailed, "interrupted: "+ctx.Err().Error())
			logger.Warn().Int("attempt", attempt).Msg("stage attempt interrupted")
			return rec, ctx.Err()
		}

		rec.Attempts = attempt
		rec.History = append(rec.History, ar)
		rec.PerHost = ar.PerHost
		e.tel.Metrics.RecordStageAttempt(stage.ID, string(ar.Status), ar.FailedHosts)

		if ar.Status == StageStatusSucceeded {
			e.finish(rec, StageStatusSucceeded, "")
			logger.Info().Int("attempt", attempt).Int("failed_hosts", ar.FailedHosts).Msg("stage succeeded")
			if err := e.notify(rec, opts); err != nil {
				return rec, err
			}
			return rec, nil
		}

		reason := attemptFailure(&ar, len(hosts))
		if attempt >= maxAttempts {
			e.finish(rec, StageStatusFailed, reason)
			logger.Error().Int("attempt", attempt).Str("reason", reason).Msg("stage failed")
			if err := e.notify(rec, opts); err != nil {
				return rec, err
			}
			return rec, stageError(opts.PlanID, stage.ID, &ar, reason)
		}

		if err := e.notify(rec, opts); err != nil {
			return rec, err
		}

		if ar.TimedOut {
			timeout *= 2
		}
		backoff := stage.Backoff()
		logger.Warn().
			Int("attempt", attempt).
			Str("reason", reason).
			Dur("backoff", backoff).
			Msg("retrying stage")
		_ = e.tel.Events.PublishStage(telemetry.EventTypeStageRetrying, opts.PlanID, opts.RunID, stage.ID,
			fmt.Sprintf("retrying after failure (attempt %d/%d)", attempt, maxAttempts),
			map[string]interface{}{"reason": reason, "attempt": attempt})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			e.finish(rec, StageStatusFailed, "interrupted: "+ctx.Err().Error())
			return rec, ctx.Err()
		}
	}

	// Entered with the budget already spent.
	reason := fmt.Sprintf("attempt budget of %d exhausted", maxAttempts)
	e.finish(rec, StageStatusFailed, reason)
	return rec, engine.NewExecutionError(reason, nil).WithStage(stage.ID)
}

// runAttempt performs pre-commands and one engine invocation.
func (e *Executor) runAttempt(ctx context.Context, stage *Stage, hosts []string, tuning hardware.Tuning, timeout, attempt int) AttemptRecord {
	ar := AttemptRecord{
		Attempt:        attempt,
		TimeoutSeconds: timeout,
		StartedAt:      e.now(),
	}

	spanCtx, span := e.tel.Tracer.StartAttemptSpan(ctx, stage.ID, attempt, len(hosts))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(spanCtx, time.Duration(timeout)*time.Second+e.grace)
	defer cancel()

	var result *engine.ExecuteResult
	systemic := ""
	if err := e.runPreCommands(attemptCtx, stage); err != nil {
		systemic = err.Error()
	} else {
		res, err := e.engine.Execute(attemptCtx, engine.ExecuteRequest{
			StageID:        stage.ID,
			Attempt:        attempt,
			Fragment:       stage.Fragment,
			Hosts:          hosts,
			Tags:           stage.Target.Tags,
			Parallelism:    tuning.Parallelism,
			AsyncEnabled:   tuning.AsyncEnabled,
			TimeoutSeconds: timeout,
			Vars:           stage.Vars,
		})
		switch {
		case err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			ar.TimedOut = true
			systemic = fmt.Sprintf("engine timed out after %ds", timeout)
		case err != nil:
			systemic = err.Error()
		case res == nil:
			systemic = "engine returned no result"
		case res.SystemicError != "":
			systemic = res.SystemicError
		default:
			result = res
			ar.ChangeReport = res.ChangeReport
		}
	}

	ar.SystemicError = systemic
	ar.PerHost = make(map[string]engine.HostResult, len(hosts))
	for _, h := range hosts {
		var hr engine.HostResult
		switch {
		case systemic != "":
			hr = engine.HostResult{Failed: true, ErrorMessage: systemic}
		default:
			r, ok := result.PerHost[h]
			if !ok {
				r = engine.HostResult{Failed: true, ErrorMessage: "no result reported by engine"}
			}
			hr = r
		}
		if hr.Failed {
			ar.FailedHosts++
		}
		ar.PerHost[h] = hr
	}

	ar.Status = StageStatusSucceeded
	if systemic != "" || float64(ar.FailedHosts)/float64(len(hosts)) > stage.Threshold() {
		ar.Status = StageStatusFailed
	}
	ar.EndedAt = e.now()

	span.SetAttributes(telemetry.AttrFailedHosts.Int(ar.FailedHosts), telemetry.AttrStageStatus.String(string(ar.Status)))
	if ar.Status == StageStatusFailed {
		telemetry.RecordError(span, errors.New(attemptFailure(&ar, len(hosts))))
	} else {
		telemetry.RecordSuccess(span)
	}
	return ar
}

// runPreCommands runs the stage's local pre-commands in order.
func (e *Executor) runPreCommands(ctx context.Context, stage *Stage) error {
	if len(stage.PreCommands) == 0 {
		return nil
	}
	if e.commands == nil {
		return fmt.Errorf("pre-commands configured but no command runner available")
	}
	for _, cmd := range stage.PreCommands {
		out, err := e.commands.Run(ctx, cmd)
		if err != nil {
			logger := telemetry.LoggerFrom(ctx, telemetry.ForStage(e.logger, "", stage.ID))
			logger = telemetry.Component(logger, "executor")
			logger.Debug().Str("command", cmd).Str("output", out).Msg("pre-command failed")
			return fmt.Errorf("pre-command %q failed: %w", cmd, err)
		}
	}
	return nil
}

func (e *Executor) finish(rec *StageExecutionRecord, status StageStatus, reason string) {
	now := e.now()
	rec.Status = status
	rec.EndedAt = &now
	rec.Error = reason
}

func (e *Executor) notify(rec *StageExecutionRecord, opts ExecuteOptions) error {
	if opts.OnAttempt == nil {
		return nil
	}
	return opts.OnAttempt(rec)
}

func attemptFailure(ar *AttemptRecord, hosts int) string {
	if ar.SystemicError != "" {
		return "systemic failure: " + ar.SystemicError
	}
	return fmt.Sprintf("%d of %d hosts failed", ar.FailedHosts, hosts)
}

func stageError(planID, stageID string, ar *AttemptRecord, reason string) error {
	err := engine.NewExecutionError(reason, nil).WithPlan(planID).WithStage(stageID).
		WithDetail("attempt", ar.Attempt).
		WithDetail("failed_hosts", ar.FailedHosts)
	switch {
	case ar.TimedOut:
		err = err.WithCode(engine.ErrCodeTimeout)
	case ar.SystemicError != "":
		err = err.WithCode(engine.ErrCodeSystemic)
	}
	return err
}
