package orchestrator

import (
	"context"
	"errors"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/hardware"
	"github.com/openfroyo/rollout/pkg/statestore"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// DryRunStage is the resolved execution plan of one stage.
type DryRunStage struct {
	ID              string   `json:"id"`
	Description     string   `json:"description,omitempty"`
	Fragment        string   `json:"fragment"`
	Target          string   `json:"target"`
	Hosts           []string `json:"hosts"`
	MaxAttempts     int      `json:"max_attempts"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	Threshold       float64  `json:"failure_threshold"`
	PreCommands     []string `json:"pre_commands,omitempty"`
	ConsistencyGate bool     `json:"consistency_gate,omitempty"`

	// Status is the stage's status in the existing state, if any.
	Status deployment.StageStatus `json:"status,omitempty"`
}

// DryRun describes what Deploy would do.
type DryRun struct {
	PlanID  string           `json:"plan_id"`
	Profile hardware.Profile `json:"profile"`
	Tuning  hardware.Tuning  `json:"tuning"`
	Stages  []DryRunStage    `json:"stages"`

	// Existing is the status of the live record, or not_started.
	Existing deployment.OverallStatus `json:"existing"`
}

// dryRun resolves every stage without executing or persisting anything.
func (o *Orchestrator) dryRun(ctx context.Context, plan *deployment.Plan) (*Result, error) {
	dr := &DryRun{
		PlanID:   plan.PlanID,
		Profile:  o.profile,
		Tuning:   o.tuning,
		Existing: deployment.StatusNotStarted,
	}

	existing, err := o.store.Load(ctx, plan.PlanID)
	switch {
	case err == nil:
		dr.Existing = existing.OverallStatus
	case errors.Is(err, statestore.ErrNotFound):
	default:
		return nil, err
	}

	for i := range plan.Stages {
		stage := &plan.Stages[i]
		hosts, err := o.exec.ResolveHosts(stage)
		if err != nil {
			return nil, err
		}
		ds := DryRunStage{
			ID:              stage.ID,
			Description:     stage.Description,
			Fragment:        stage.Fragment,
			Target:          stage.Target.String(),
			Hosts:           hosts,
			MaxAttempts:     stage.MaxAttempts(o.tuning),
			TimeoutSeconds:  stage.Timeout(o.tuning),
			Threshold:       stage.Threshold(),
			PreCommands:     stage.PreCommands,
			ConsistencyGate: stage.ConsistencyGate,
		}
		if existing != nil {
			if rec := existing.Record(stage.ID); rec != nil {
				ds.Status = rec.Status
			}
		}
		dr.Stages = append(dr.Stages, ds)
	}

	logger := telemetry.Component(telemetry.LoggerFrom(ctx, o.logger), "orchestrator")
	logger.Info().Str("plan_id", plan.PlanID).Int("stages", len(dr.Stages)).Msg("dry run resolved")
	return &Result{PlanID: plan.PlanID, Mode: "dry-run", DryRun: dr}, nil
}
