package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/idempotence"
	"github.com/openfroyo/rollout/pkg/stores"
)

func newTestIdempotenceCommand() *cobra.Command {
	var (
		planPath   string
		invPath    string
		iterations int
		pause      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "test-idempotence <stage-id>",
		Short: "Run a stage repeatedly and score its idempotence",
		Long: `Run one stage of a plan several times in a row. An idempotent stage reports
changes on the first run at most; every later run that still changes
something lowers the score.

Exits 1 when the score is below 100.`,
		Example: `  rollout test-idempotence web --plan plan.yaml --inventory staging.yaml
  rollout test-idempotence web --plan plan.yaml --inventory staging.yaml --iterations 3 --pause 5s`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			plan, inv, err := a.loadPlan(ctx, planPath, invPath)
			if err != nil {
				return err
			}
			stage, ok := plan.Stage(args[0])
			if !ok {
				return engine.NewConfigurationError(fmt.Sprintf("plan has no stage %q", args[0]), nil).
					WithPlan(plan.PlanID)
			}

			if !cmd.Flags().Changed("iterations") {
				iterations = a.settings.Idempotence.Iterations
			}
			if !cmd.Flags().Changed("pause") {
				pause = a.settings.Idempotence.Pause
			}

			eng, err := a.engineClient()
			if err != nil {
				return err
			}
			_, tuning := a.profile(ctx)
			runner := idempotence.NewRunner(idempotence.Config{
				Executor:  a.executor(eng, inv),
				Tuning:    tuning,
				Penalty:   a.settings.Idempotence.Penalty,
				Pause:     pause,
				PlanID:    plan.PlanID,
				Telemetry: a.tel,
				Logger:    a.logger,
			})

			runID := uuid.NewString()
			if err := a.artifacts.StartRun(ctx, runID, plan.PlanID, "idempotence"); err != nil {
				a.logger.Warn().Err(err).Msg("failed to record run")
			}
			res, err := runner.Run(ctx, stage, iterations)
			status, message := string(stores.RunStatusCompleted), ""
			if err != nil {
				status, message = string(stores.RunStatusFailed), err.Error()
			}
			if res != nil {
				if _, rerr := a.artifacts.SaveReport(ctx, runID, stores.ReportKindIdempotence, stage.ID, res); rerr != nil {
					a.logger.Warn().Err(rerr).Msg("failed to save idempotence report")
				}
			}
			if ferr := a.artifacts.FinishRun(ctx, runID, status, message); ferr != nil {
				a.logger.Warn().Err(ferr).Msg("failed to finish run")
			}
			if err != nil {
				return err
			}

			if err := a.output(res, func() { renderIdempotence(a.out, res) }); err != nil {
				return err
			}
			if !res.Idempotent() {
				return exitCode(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "plan config file")
	cmd.Flags().StringVar(&invPath, "inventory", "", "inventory file")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 5, "number of runs")
	cmd.Flags().DurationVar(&pause, "pause", 0, "pause between runs")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}
