// Package orchestrator drives progressive deployments: it runs the stages of
// a plan in order, persists progress after every step so an interrupted run
// resumes where it stopped, and attaches pre/post snapshot comparisons to
// each stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/snapshot"
	"github.com/openfroyo/rollout/pkg/statestore"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// DefaultLeaseTTL is the lease lifetime, renewed on every save.
const DefaultLeaseTTL = time.Hour

// Report kinds written to the artifact store.
const (
	ReportDrift       = "drift"
	ReportConsistency = "consistency"
)

// StateStore persists deployment state. *statestore.FileStore satisfies it.
type StateStore interface {
	Load(ctx context.Context, planID string) (*deployment.State, error)
	Save(ctx context.Context, st *deployment.State) error
	Acquire(ctx context.Context, planID, owner string, ttl time.Duration, create func() (*deployment.State, error)) (*deployment.State, error)
	Renew(st *deployment.State, ttl time.Duration)
	Release(ctx context.Context, st *deployment.State) error
	Reset(ctx context.Context, planID string) (string, error)
	Archive(ctx context.Context, st *deployment.State, reason string) (string, error)
	LatestArchived(ctx context.Context, planID, reason string) (*deployment.State, string, error)
	Delete(ctx context.Context, planID string) error
}

// StageRunner executes stages. *deployment.Executor satisfies it.
type StageRunner interface {
	ResolveHosts(stage *deployment.Stage) ([]string, error)
	Execute(ctx context.Context, stage *deployment.Stage, tuning hardware.Tuning, prior *deployment.StageExecutionRecord, opts deployment.ExecuteOptions) (*deployment.StageExecutionRecord, error)
}

// SnapshotTaker captures snapshots. *snapshot.Capturer satisfies it.
type SnapshotTaker interface {
	Capture(ctx context.Context, hosts []string, label string, spec snapshot.Spec) (*snapshot.Snapshot, error)
}

// ArtifactStore keeps immutable run artifacts.
type ArtifactStore interface {
	StartRun(ctx context.Context, runID, planID, mode string) error
	FinishRun(ctx context.Context, runID, status, message string) error
	SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) (int64, error)
	SaveReport(ctx context.Context, runID, kind, label string, body interface{}) (int64, error)
}

// RemoteArchive copies archived records off the machine.
type RemoteArchive interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Guardrail vets a plan before any state is touched.
type Guardrail interface {
	Check(ctx context.Context, plan *deployment.Plan) error
}

// Config wires an Orchestrator.
type Config struct {
	Store    StateStore
	Executor StageRunner
	Capturer SnapshotTaker

	// Artifacts stores snapshots and reports; nil keeps them in the state only.
	Artifacts ArtifactStore

	// Remote receives a copy of every completion archive when set.
	Remote RemoteArchive

	Guardrail Guardrail

	Profile hardware.Profile
	Tuning  hardware.Tuning

	// IsSecurityPath classifies tracked paths for drift severity.
	IsSecurityPath func(path string) bool

	// ArchiveOnComplete archives and removes the live record on completion.
	ArchiveOnComplete bool

	LeaseTTL time.Duration

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Options select how Deploy treats existing state.
type Options struct {
	// Resume continues a failed or aborted deployment.
	Resume bool

	// Reset archives and discards existing state before starting.
	Reset bool

	// DryRun resolves the plan without executing or persisting anything.
	DryRun bool

	// NoSnapshots disables pre/post snapshots. Consistency gates still
	// capture their post snapshot.
	NoSnapshots bool
}

// Result describes the outcome of Deploy.
type Result struct {
	RunID  string
	PlanID string

	// State is the final state of the run; nil for dry runs.
	State *deployment.State

	// Mode is fresh, resume or continue.
	Mode string

	ArchivePath string
	RemoteKey   string

	// HighSeverity lists high-severity drift across all stages of this run.
	HighSeverity []drift.Item

	Warnings []string

	DryRun *DryRun
}

// Orchestrator runs deployment plans.
type Orchestrator struct {
	store     StateStore
	exec      StageRunner
	capturer  SnapshotTaker
	artifacts ArtifactStore
	remote    RemoteArchive
	guardrail Guardrail
	profile   hardware.Profile
	tuning    hardware.Tuning
	security  func(string) bool
	archive   bool
	leaseTTL  time.Duration
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("stage executor is required")
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Orchestrator{
		store:     cfg.Store,
		exec:      cfg.Executor,
		capturer:  cfg.Capturer,
		artifacts: cfg.Artifacts,
		remote:    cfg.Remote,
		guardrail: cfg.Guardrail,
		profile:   cfg.Profile,
		tuning:    cfg.Tuning,
		security:  cfg.IsSecurityPath,
		archive:   cfg.ArchiveOnComplete,
		leaseTTL:  ttl,
		tel:       tel,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// run is the mutable context of one Deploy call.
type run struct {
	id     string
	st     *deployment.State
	lc     *lifecycle
	opts   Options
	res    *Result
	logger zerolog.Logger
	start  time.Time
}

// Deploy runs plan to completion, resuming prior progress where allowed.
//
// A failed or aborted prior run is only continued with Resume. An
// in-progress record whose lease is expired or released belongs to a run
// that died and is continued automatically. Cancelling ctx aborts the run:
// the in-flight stage is recorded as failed, the state is persisted and
// ctx.Err() is returned.
func (o *Orchestrator) Deploy(ctx context.Context, plan *deployment.Plan, opts Options) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if o.guardrail != nil {
		if err := o.guardrail.Check(ctx, plan); err != nil {
			_ = o.tel.Events.PublishGuardrailViolation(plan.PlanID, "", err.Error())
			o.tel.Metrics.RecordError(string(engine.KindOf(err)), engine.ErrCodeGuardrail)
			return nil, err
		}
	}
	if opts.DryRun {
		return o.dryRun(ctx, plan)
	}

	r := &run{
		id:    uuid.NewString(),
		opts:  opts,
		start: o.now(),
	}
	r.res = &Result{RunID: r.id, PlanID: plan.PlanID}

	// Everything below logs with the run's identity, including the executor
	// and capturer through ctx.
	runLogger := telemetry.ForStage(telemetry.LoggerFrom(ctx, o.logger), plan.PlanID, "").
		With().Str(telemetry.FieldRunID, r.id).Logger()
	ctx = runLogger.WithContext(ctx)
	r.logger = telemetry.Component(runLogger, "orchestrator")

	if opts.Reset {
		if err := o.reset(ctx, plan.PlanID, r.logger); err != nil {
			return nil, err
		}
	}

	created := false
	st, err := o.store.Acquire(ctx, plan.PlanID, r.id, o.leaseTTL, func() (*deployment.State, error) {
		created = true
		return deployment.NewState(plan, o.now()), nil
	})
	if err != nil {
		o.recordError(err)
		return nil, err
	}
	r.st = st
	r.res.State = st

	if err := o.begin(ctx, r, plan, created); err != nil {
		if rerr := o.store.Release(context.WithoutCancel(ctx), st); rerr != nil {
			r.logger.Error().Err(rerr).Msg("failed to release lease")
		}
		o.recordError(err)
		return r.res, err
	}
	if r.lc.current() == PhaseCompleted {
		err := o.store.Release(ctx, st)
		return r.res, err
	}

	ctx, span := o.tel.Tracer.StartDeploySpan(ctx, plan.PlanID, r.id)
	defer span.End()
	span.SetAttributes(telemetry.AttrHardwareTier.String(string(o.profile.Tier)))

	o.tel.Metrics.RecordDeploymentStarted(plan.PlanID, r.res.Mode)
	o.tel.Metrics.SetHardwareTier(string(o.profile.Tier))
	_ = o.tel.Events.PublishDeployStarted(plan.PlanID, r.id, r.res.Mode != "fresh")
	if o.artifacts != nil {
		if err := o.artifacts.StartRun(ctx, r.id, plan.PlanID, r.res.Mode); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record run")
		}
	}

	r.logger.Info().
		Str("mode", r.res.Mode).
		Int("stages", len(st.Stages)).
		Int("cursor", st.CurrentStageIndex).
		Str("tier", string(o.profile.Tier)).
		Int("parallelism", o.tuning.Parallelism).
		Msg("deployment started")

	err = o.runStages(ctx, r)
	switch {
	case err == nil:
		err = o.complete(ctx, r)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		err = o.stop(ctx, r, deployment.StatusAborted, EventAbort, err)
	case engine.IsPersistenceError(err):
		// Nothing more can be written.
	default:
		err = o.stop(ctx, r, deployment.StatusFailed, EventFail, err)
	}

	if err != nil {
		span.SetAttributes(telemetry.AttrErrorKind.String(string(engine.KindOf(err))))
		telemetry.RecordError(span, err)
		o.recordError(err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return r.res, err
}

// begin decides how the acquired state is continued and persists the start.
func (o *Orchestrator) begin(ctx context.Context, r *run, plan *deployment.Plan, created bool) error {
	st := r.st
	if created {
		r.lc = newLifecycle(PhaseNotStarted, r.logger)
		r.res.Mode = "fresh"
		if err := r.lc.fire(ctx, EventStart); err != nil {
			return err
		}
	} else {
		if st.Plan.Fingerprint != plan.Fingerprint {
			return engine.NewConfigurationError("plan changed since the deployment started; use --reset to start over", nil).
				WithPlan(plan.PlanID).
				WithCode(engine.ErrCodePlanChanged).
				WithDetail("stored_fingerprint", st.Plan.Fingerprint).
				WithDetail("plan_fingerprint", plan.Fingerprint)
		}
		r.lc = newLifecycle(phaseOf(st.OverallStatus), r.logger)
		switch st.OverallStatus {
		case deployment.StatusCompleted:
			r.res.Mode = "completed"
			r.logger.Info().Msg("deployment already completed")
			return nil
		case deployment.StatusFailed, deployment.StatusAborted:
			if !r.opts.Resume {
				stage := ""
				if cur := st.Current(); cur != nil {
					stage = cur.StageID
				}
				return engine.NewConfigurationError(
					fmt.Sprintf("deployment %s; use --resume to continue or --reset to start over", st.OverallStatus), nil).
					WithPlan(st.PlanID).
					WithStage(stage).
					WithCode(engine.ErrCodeTerminalState)
			}
			if err := r.lc.fire(ctx, EventResume); err != nil {
				return err
			}
			if cur := st.Current(); cur != nil {
				cur.Attempts = 0
				cur.Status = deployment.StageStatusPending
				cur.Error = ""
			}
			r.res.Mode = "resume"
		default:
			r.res.Mode = "continue"
			r.logger.Warn().Msg("continuing a deployment whose previous run stopped without releasing it")
		}
	}

	st.OverallStatus = deployment.StatusInProgress
	st.RunID = r.id
	st.Error = ""
	return o.persist(ctx, st)
}

// runStages executes stages from the cursor to the end.
func (o *Orchestrator) runStages(ctx context.Context, r *run) error {
	st := r.st
	for st.CurrentStageIndex < len(st.Stages) {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := st.CurrentStageIndex
		if err := o.runStage(ctx, r, idx); err != nil {
			return err
		}
		st.Advance()
		if err := o.persist(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// runStage executes one stage with its snapshots and gate. The record is
// updated in place in the state.
func (o *Orchestrator) runStage(ctx context.Context, r *run, idx int) error {
	st := r.st
	stage := &st.Plan.Stages[idx]
	rec := st.Stages[idx]
	stageLogger := telemetry.ForStage(telemetry.LoggerFrom(ctx, o.logger), "", stage.ID)
	ctx = stageLogger.WithContext(ctx)
	logger := telemetry.Component(stageLogger, "orchestrator")

	ctx, span := o.tel.Tracer.StartStageSpan(ctx, st.PlanID, stage.ID)
	defer span.End()
	timer := telemetry.NewTimer()

	hosts, err := o.exec.ResolveHosts(stage)
	if err != nil {
		rec.Status = deployment.StageStatusFailed
		rec.Error = err.Error()
		return err
	}

	rec.Status = deployment.StageStatusRunning
	if err := o.persist(ctx, st); err != nil {
		return err
	}
	_ = o.tel.Events.PublishStage(telemetry.EventTypeStageStarted, st.PlanID, r.id, stage.ID,
		fmt.Sprintf("stage %d/%d started on %d hosts", idx+1, len(st.Stages), len(hosts)), nil)
	logger.Info().Int("index", idx).Strs("hosts", hosts).Msg("stage started")

	snapshots := !r.opts.NoSnapshots && o.capturer != nil && st.Plan.Snapshots != nil && len(hosts) > 0
	var pre *snapshot.Snapshot
	if snapshots {
		pre = o.capture(ctx, r, stage, rec, hosts, snapshot.LabelPre)
		if pre != nil {
			rec.PreSnapshotID = pre.ID
		}
	}

	out, err := o.exec.Execute(ctx, stage, o.tuning, rec, deployment.ExecuteOptions{
		PlanID: st.PlanID,
		RunID:  r.id,
		OnAttempt: func(updated *deployment.StageExecutionRecord) error {
			st.Stages[idx] = updated
			return o.persist(ctx, st)
		},
	})
	if out != nil {
		st.Stages[idx] = out
		rec = out
	}
	if err != nil {
		o.tel.Metrics.RecordStageFinished(stage.ID, string(rec.Status), timer.Duration())
		telemetry.RecordError(span, err)
		if ctx.Err() == nil {
			_ = o.tel.Events.PublishStage(telemetry.EventTypeStageFailed, st.PlanID, r.id, stage.ID, rec.Error, nil)
		}
		return err
	}

	if rec.Status == deployment.StageStatusSkipped {
		r.res.Warnings = append(r.res.Warnings, rec.Warnings...)
		_ = o.tel.Events.PublishStage(telemetry.EventTypeStageSkipped, st.PlanID, r.id, stage.ID,
			strings.Join(rec.Warnings, "; "), nil)
		o.tel.Metrics.RecordStageFinished(stage.ID, string(rec.Status), timer.Duration())
		return nil
	}

	var post *snapshot.Snapshot
	if snapshots || (stage.ConsistencyGate && o.capturer != nil) {
		post = o.capture(ctx, r, stage, rec, hosts, snapshot.LabelPost)
		if post != nil {
			rec.PostSnapshotID = post.ID
		}
	}
	if pre != nil && post != nil {
		o.attachDrift(ctx, r, stage, rec, pre, post)
	}
	if stage.ConsistencyGate {
		if err := o.gate(ctx, r, stage, rec, post); err != nil {
			o.tel.Metrics.RecordStageFinished(stage.ID, string(rec.Status), timer.Duration())
			telemetry.RecordError(span, err)
			if cerr := ctx.Err(); cerr != nil {
				// The post snapshot was cut short; the run aborts.
				rec.Error = "interrupted: " + cerr.Error()
				return fmt.Errorf("consistency gate of stage %s interrupted: %w", stage.ID, cerr)
			}
			_ = o.tel.Events.PublishStage(telemetry.EventTypeStageFailed, st.PlanID, r.id, stage.ID, rec.Error, nil)
			return err
		}
	}
	if ctx.Err() != nil {
		// The stage completed; the cursor advances before the run aborts.
		logger.Warn().Msg("interrupted after stage completion")
	}

	o.tel.Metrics.RecordStageFinished(stage.ID, string(rec.Status), timer.Duration())
	telemetry.RecordSuccess(span)
	_ = o.tel.Events.PublishStage(telemetry.EventTypeStageSucceeded, st.PlanID, r.id, stage.ID,
		fmt.Sprintf("stage succeeded after %d attempt(s)", rec.Attempts), nil)
	logger.Info().Int("attempts", rec.Attempts).Msg("stage succeeded")
	return nil
}

// capture takes and stores a snapshot. Failures are recorded as warnings.
func (o *Orchestrator) capture(ctx context.Context, r *run, stage *deployment.Stage, rec *deployment.StageExecutionRecord, hosts []string, label string) *snapshot.Snapshot {
	spec := snapshot.Spec{}
	if r.st.Plan.Snapshots != nil {
		spec = *r.st.Plan.Snapshots
	}

	spanCtx, span := o.tel.Tracer.StartSnapshotSpan(ctx, label, len(hosts))
	defer span.End()

	snap, err := o.capturer.Capture(spanCtx, hosts, label, spec)
	if err != nil {
		msg := fmt.Sprintf("%s snapshot failed: %v", label, err)
		rec.Warnings = append(rec.Warnings, msg)
		r.res.Warnings = append(r.res.Warnings, stage.ID+": "+msg)
		telemetry.RecordError(span, err)
		r.logger.Warn().Err(err).Str("stage_id", stage.ID).Str("label", label).Msg("snapshot failed")
		return nil
	}
	snap.RunID = r.id
	snap.PlanID = r.st.PlanID
	snap.StageID = stage.ID

	if snap.Partial() {
		rec.Warnings = append(rec.Warnings, snap.Warnings...)
		for _, w := range snap.Warnings {
			r.res.Warnings = append(r.res.Warnings, stage.ID+": "+w)
		}
		_ = o.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypeSnapshotPartial,
			Source:  "snapshot",
			PlanID:  r.st.PlanID,
			RunID:   r.id,
			StageID: stage.ID,
			Message: snap.Warning().Error(),
			Level:   telemetry.EventLevelWarning,
			Data:    map[string]interface{}{"unreachable": snap.Unreachable},
		})
	}
	o.tel.Metrics.RecordSnapshot(label, snap.Partial())

	if o.artifacts != nil {
		id, err := o.artifacts.SaveSnapshot(ctx, snap)
		if err != nil {
			r.logger.Warn().Err(err).Str("label", label).Msg("failed to store snapshot")
		} else {
			snap.ID = id
		}
	}
	return snap
}

// attachDrift compares the stage snapshots and records the report. Drift
// never fails a stage.
func (o *Orchestrator) attachDrift(ctx context.Context, r *run, stage *deployment.Stage, rec *deployment.StageExecutionRecord, pre, post *snapshot.Snapshot) {
	report := drift.Compare(pre, post, drift.Options{IsSecurityPath: o.security})
	rec.Drift = report
	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrDriftItems.Int(len(report.Items)))

	for _, it := range report.Items {
		o.tel.Metrics.RecordDriftItem(string(it.Category), string(it.Severity))
	}
	high := report.HighSeverity()
	r.res.HighSeverity = append(r.res.HighSeverity, high...)
	if len(report.Items) > 0 {
		_ = o.tel.Events.PublishDriftDetected(r.st.PlanID, r.id, stage.ID, len(report.Items), len(high))
	}
	o.saveReport(ctx, r, ReportDrift, stage.ID, report)
}

// gate fails the stage when the post snapshot disagrees across hosts
// outside the stage's host-scoped keys.
func (o *Orchestrator) gate(ctx context.Context, r *run, stage *deployment.Stage, rec *deployment.StageExecutionRecord, post *snapshot.Snapshot) error {
	fail := func(msg string) error {
		rec.Status = deployment.StageStatusFailed
		rec.Error = msg
		return engine.NewExecutionError(msg, nil).
			WithPlan(r.st.PlanID).
			WithStage(stage.ID).
			WithCode(engine.ErrCodeConsistency)
	}
	if post == nil {
		return fail("consistency gate: post snapshot unavailable")
	}

	report := drift.CheckConsistency(post, drift.ConsistencyOptions{ExcludeKeys: stage.HostScopedKeys})
	rec.Consistency = report
	o.saveReport(ctx, r, ReportConsistency, stage.ID, report)

	bad := report.Inconsistencies()
	o.tel.Metrics.SetInconsistentKeys(stage.ID, len(bad))
	if len(bad) == 0 {
		return nil
	}
	keys := make([]string, 0, len(bad))
	for _, it := range bad {
		keys = append(keys, string(it.Category)+":"+it.Key)
	}
	_ = o.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeInconsistency,
		Source:  "consistency",
		PlanID:  r.st.PlanID,
		RunID:   r.id,
		StageID: stage.ID,
		Message: fmt.Sprintf("%d inconsistent keys", len(bad)),
		Level:   telemetry.EventLevelError,
		Data:    map[string]interface{}{"keys": keys},
	})
	return fail(fmt.Sprintf("consistency gate: %d inconsistent keys: %s", len(bad), strings.Join(keys, ", ")))
}

func (o *Orchestrator) saveReport(ctx context.Context, r *run, kind, label string, body interface{}) {
	if o.artifacts == nil {
		return
	}
	if _, err := o.artifacts.SaveReport(ctx, r.id, kind, label, body); err != nil {
		r.logger.Warn().Err(err).Str("kind", kind).Msg("failed to store report")
	}
}

// complete marks the deployment completed and archives it.
func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	st := r.st
	if err := r.lc.fire(ctx, EventComplete); err != nil {
		return err
	}
	st.OverallStatus = deployment.StatusCompleted
	if err := o.persist(ctx, st); err != nil {
		return err
	}
	if err := o.store.Release(ctx, st); err != nil {
		return err
	}

	if o.archive {
		path, err := o.store.Archive(ctx, st, statestore.ReasonCompleted)
		if err != nil {
			return err
		}
		r.res.ArchivePath = path
		if o.remote != nil {
			key, err := o.remote.Upload(ctx, path)
			if err != nil {
				msg := fmt.Sprintf("remote archive upload failed: %v", err)
				r.res.Warnings = append(r.res.Warnings, msg)
				r.logger.Warn().Err(err).Str("path", path).Msg("remote archive upload failed")
			} else {
				r.res.RemoteKey = key
			}
		}
		if err := o.store.Delete(ctx, st.PlanID); err != nil {
			return err
		}
	}

	o.finishRun(ctx, r, "")
	r.logger.Info().
		Dur("duration", o.now().Sub(r.start)).
		Int("high_severity_drift", len(r.res.HighSeverity)).
		Str("archive", r.res.ArchivePath).
		Msg("deployment completed")
	return nil
}

// stop records a failed or aborted run. The state is written even when ctx
// is cancelled.
func (o *Orchestrator) stop(ctx context.Context, r *run, status deployment.OverallStatus, event string, cause error) error {
	st := r.st
	wctx := context.WithoutCancel(ctx)

	if err := r.lc.fire(wctx, event); err != nil {
		r.logger.Error().Err(err).Msg("lifecycle transition failed")
	}
	st.OverallStatus = status
	st.Error = cause.Error()
	if err := o.persist(wctx, st); err != nil {
		return errors.Join(cause, err)
	}
	if err := o.store.Release(wctx, st); err != nil {
		return errors.Join(cause, err)
	}

	o.finishRun(wctx, r, cause.Error())
	stage := ""
	if cur := st.Current(); cur != nil {
		stage = cur.StageID
	}
	r.logger.Error().Err(cause).Str("status", string(status)).Str("stage_id", stage).Msg("deployment stopped")
	return cause
}

func (o *Orchestrator) finishRun(ctx context.Context, r *run, message string) {
	status := string(r.st.OverallStatus)
	duration := o.now().Sub(r.start)
	o.tel.Metrics.RecordDeploymentFinished(r.st.PlanID, status, duration)
	_ = o.tel.Events.PublishDeployFinished(r.st.PlanID, r.id, status, message, duration)
	if o.artifacts != nil {
		if err := o.artifacts.FinishRun(ctx, r.id, status, message); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record run outcome")
		}
	}
}

// persist renews the lease and saves the state.
func (o *Orchestrator) persist(ctx context.Context, st *deployment.State) error {
	o.store.Renew(st, o.leaseTTL)
	return o.store.Save(ctx, st)
}

// reset discards the plan's state, keeping a backup in the archive.
func (o *Orchestrator) reset(ctx context.Context, planID string, logger zerolog.Logger) error {
	phase := PhaseNotStarted
	if prior, err := o.store.Load(ctx, planID); err == nil {
		phase = phaseOf(prior.OverallStatus)
	}
	lc := newLifecycle(phase, logger)
	backup, err := o.store.Reset(ctx, planID)
	if err != nil {
		return err
	}
	if err := lc.fire(ctx, EventReset); err != nil {
		return err
	}
	if backup != "" {
		logger.Info().Str("backup", backup).Msg("previous state archived")
	}
	return nil
}

func (o *Orchestrator) recordError(err error) {
	var de *engine.DeployError
	if errors.As(err, &de) {
		o.tel.Metrics.RecordError(string(de.Kind), de.Code)
		return
	}
	o.tel.Metrics.RecordError("unclassified", "")
}

// Status returns the state of a plan: the live record, else its latest
// completion archive. It returns StatusNotStarted with a nil state when
// neither exists.
func Status(ctx context.Context, store StateStore, planID string) (*deployment.State, deployment.OverallStatus, error) {
	st, err := store.Load(ctx, planID)
	if err == nil {
		return st, st.OverallStatus, nil
	}
	if !errors.Is(err, statestore.ErrNotFound) {
		return nil, "", err
	}
	st, _, err = store.LatestArchived(ctx, planID, statestore.ReasonCompleted)
	if err == nil {
		return st, st.OverallStatus, nil
	}
	if !errors.Is(err, statestore.ErrNotFound) {
		return nil, "", err
	}
	return nil, deployment.StatusNotStarted, nil
}
