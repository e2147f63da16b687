package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/snapshot"
	"github.com/openfroyo/rollout/pkg/stores"
)

type snapshotView struct {
	ID          int64         `json:"id"`
	Label       string        `json:"label"`
	Hosts       []string      `json:"hosts"`
	Unreachable []string      `json:"unreachable,omitempty"`
	Drift       *drift.Report `json:"drift,omitempty"`
}

func newSnapshotCommand() *cobra.Command {
	var (
		label     string
		compareTo string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <plan-config> <inventory>",
		Short: "Capture the state of every inventory host",
		Long: `Capture facts, tracked config file hashes and service states of every host
in the inventory, as declared by the plan's snapshots section, and store the
snapshot in the artifact store.

With --compare-to the new snapshot is compared against a stored one, given
by ID or by label (the plan's newest snapshot with that label), and the
command exits 1 when high-severity drift is found.`,
		Example: `  # Record a baseline before a maintenance window
  rollout snapshot plan.yaml inventory.yaml --label baseline

  # Detect drift since that baseline
  rollout snapshot plan.yaml inventory.yaml --label check --compare-to 12
  rollout snapshot plan.yaml inventory.yaml --label check --compare-to baseline`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			plan, inv, err := a.loadPlan(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			var baseline *snapshot.Snapshot
			if compareTo != "" {
				if baseline, err = a.baseline(ctx, plan.PlanID, compareTo); err != nil {
					return err
				}
			}
			security, err := a.securityPredicate(ctx)
			if err != nil {
				return err
			}
			eng, err := a.engineClient()
			if err != nil {
				return err
			}

			var spec snapshot.Spec
			if plan.Snapshots != nil {
				spec = *plan.Snapshots
			}

			runID := uuid.NewString()
			if err := a.artifacts.StartRun(ctx, runID, plan.PlanID, "snapshot"); err != nil {
				a.logger.Warn().Err(err).Msg("failed to record run")
			}
			finish := func(status stores.RunStatus, message string) {
				if err := a.artifacts.FinishRun(ctx, runID, string(status), message); err != nil {
					a.logger.Warn().Err(err).Msg("failed to finish run")
				}
			}

			snap, err := snapshot.NewCapturer(eng, a.logger).Capture(ctx, inv.Hosts(), label, spec)
			if err != nil {
				finish(stores.RunStatusFailed, err.Error())
				return engine.NewExecutionError("failed to capture snapshot", err).WithPlan(plan.PlanID)
			}
			snap.RunID = runID
			snap.PlanID = plan.PlanID
			a.tel.Metrics.RecordSnapshot(snap.Label, snap.Partial())
			if w := snap.Warning(); w != nil {
				a.logger.Warn().Err(w).Msg("snapshot is partial")
			}

			id, err := a.artifacts.SaveSnapshot(ctx, snap)
			if err != nil {
				finish(stores.RunStatusFailed, err.Error())
				return engine.NewPersistenceError("failed to store snapshot", err).WithPlan(plan.PlanID)
			}
			snap.ID = id

			view := snapshotView{ID: snap.ID, Label: snap.Label, Hosts: snap.HostIDs(), Unreachable: snap.Unreachable}
			if baseline != nil {
				view.Drift = drift.Compare(baseline, snap, drift.Options{IsSecurityPath: security})
				if _, err := a.artifacts.SaveReport(ctx, runID, stores.ReportKindDrift, snap.Label, view.Drift); err != nil {
					a.logger.Warn().Err(err).Msg("failed to save drift report")
				}
			}
			finish(stores.RunStatusCompleted, "")

			err = a.output(view, func() {
				fmt.Fprintln(a.out, styleTitle.Render(fmt.Sprintf("Snapshot %d (%s)", view.ID, view.Label)))
				fmt.Fprintln(a.out, keyValue("hosts", len(view.Hosts)))
				if len(view.Unreachable) > 0 {
					fmt.Fprintln(a.out, keyValue("unreachable", styleWarn.Render(fmt.Sprint(view.Unreachable))))
				}
				if view.Drift != nil {
					fmt.Fprintln(a.out)
					renderDrift(a.out, view.Drift)
				}
			})
			if err != nil {
				return err
			}
			if view.Drift != nil && view.Drift.HasHighSeverity() {
				return exitCode(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&label, "label", "l", snapshot.LabelBaseline, "snapshot label")
	cmd.Flags().StringVar(&compareTo, "compare-to", "", "stored snapshot ID or label to detect drift against")

	return cmd
}

// baseline resolves a --compare-to reference: a snapshot ID, or otherwise
// the label of the plan's newest snapshot.
func (a *app) baseline(ctx context.Context, planID, ref string) (*snapshot.Snapshot, error) {
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.snapshot(ctx, ref)
	}
	snap, err := a.artifacts.LatestSnapshot(ctx, planID, ref)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("no %q snapshot of plan %s", ref, planID), nil)
		}
		return nil, engine.NewPersistenceError("failed to load snapshot", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("snapshot %d is malformed", snap.ID), err)
	}
	return snap, nil
}
