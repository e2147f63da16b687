package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/orchestrator"
	"github.com/openfroyo/rollout/pkg/snapshot"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	var (
		opts          orchestrator.Options
		disablePolicy []string
		enablePolicy  []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <plan-config> <inventory>",
		Short: "Run a deployment plan against an inventory",
		Long: `Run the stages of a plan in order against the hosts of an inventory.

A deployment that is already in progress and whose owner died is continued
automatically. A failed or aborted deployment is only continued with --resume;
--reset archives the existing record and starts over.`,
		Example: `  # Deploy a plan
  rollout deploy plan.yaml inventory.yaml

  # Continue after fixing a failed stage
  rollout deploy plan.yaml inventory.yaml --resume

  # Show resolved stages and hosts without running anything
  rollout deploy plan.cue inventory.yaml --dry-run`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			if opts.Resume && opts.Reset {
				return engine.NewConfigurationError("--resume and --reset are mutually exclusive", nil)
			}

			plan, inv, err := a.loadPlan(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			security, err := a.securityPredicate(ctx)
			if err != nil {
				return err
			}
			a.settings.Guardrails.Disable = append(a.settings.Guardrails.Disable, disablePolicy...)
			a.settings.Guardrails.Enable = append(a.settings.Guardrails.Enable, enablePolicy...)
			guard, err := a.guardrails(ctx)
			if err != nil {
				return err
			}
			remote, err := a.remote()
			if err != nil {
				return err
			}
			eng, err := a.engineClient()
			if err != nil {
				return err
			}
			profile, tuning := a.profile(ctx)

			cfg := orchestrator.Config{
				Store:             a.store,
				Executor:          a.executor(eng, inv),
				Capturer:          snapshot.NewCapturer(eng, a.logger),
				Artifacts:         a.artifacts,
				Profile:           profile,
				Tuning:            tuning,
				IsSecurityPath:    security,
				ArchiveOnComplete: a.settings.Archive.Enabled,
				LeaseTTL:          a.settings.LeaseTTL,
				Telemetry:         a.tel,
				Logger:            a.logger,
			}
			// Typed nils must not reach the interface fields.
			if guard != nil {
				cfg.Guardrail = guard
			}
			if remote != nil {
				cfg.Remote = remote
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return err
			}

			if !jsonOutput && !opts.DryRun {
				a.tel.Events.Subscribe(stageProgress(cmd.ErrOrStderr(), plan.PlanID))
			}

			a.tel.StartMetricsServer()
			res, err := orch.Deploy(ctx, plan, opts)
			if err != nil {
				if engine.IsExecutionError(err) || engine.IsPersistenceError(err) {
					if st := a.lastState(ctx, plan.PlanID); st != nil {
						renderState(cmd.ErrOrStderr(), plan.PlanID, st, st.OverallStatus)
						fmt.Fprintln(cmd.ErrOrStderr())
					}
				}
				return err
			}

			if jsonOutput {
				if res.DryRun != nil {
					return writeJSON(a.out, res.DryRun)
				}
				return writeJSON(a.out, res)
			}
			if res.DryRun != nil {
				renderDryRun(a.out, res.DryRun)
				return nil
			}
			renderResult(a.out, res)
			if res.State != nil && res.State.OverallStatus != deployment.StatusCompleted {
				return exitCode(res.State.OverallStatus.ExitCode())
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue a failed or aborted deployment")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "archive existing state and start over")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "show what would run without executing")
	cmd.Flags().BoolVar(&opts.NoSnapshots, "no-snapshots", false, "skip pre/post snapshots")
	cmd.Flags().StringSliceVar(&disablePolicy, "disable-policy", nil, "skip the named guardrail for this run")
	cmd.Flags().StringSliceVar(&enablePolicy, "enable-policy", nil, "evaluate the named guardrail even when disabled")

	return cmd
}

// stageProgress prints a line per stage event of planID.
func stageProgress(w io.Writer, planID string) (telemetry.EventSubscriber, telemetry.EventFilter) {
	byType := telemetry.FilterByType(
		telemetry.EventTypeStageStarted,
		telemetry.EventTypeStageRetrying,
		telemetry.EventTypeStageSucceeded,
		telemetry.EventTypeStageSkipped,
		telemetry.EventTypeStageFailed,
	)
	byPlan := telemetry.FilterByPlanID(planID)

	show := func(ev telemetry.Event) {
		what := strings.TrimPrefix(ev.Type, "stage.")
		fmt.Fprintf(w, "%s %-24s %s %s\n",
			styleDim.Render(ev.Timestamp.Local().Format("15:04:05")),
			ev.StageID,
			statusStyle(what).Render(padRight(what, 9)),
			ev.Message)
	}
	return show, func(ev telemetry.Event) bool { return byType(ev) && byPlan(ev) }
}
