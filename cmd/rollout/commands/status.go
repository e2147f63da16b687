package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/orchestrator"
	"github.com/openfroyo/rollout/pkg/statestore"
)

type statusView struct {
	PlanID string                   `json:"plan_id"`
	Status deployment.OverallStatus `json:"status"`
	State  *deployment.State        `json:"state,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show the status of a deployment",
		Long: `Show the status of a deployment without modifying it.

Exit codes: 0 completed, 1 failed or aborted, 2 in progress, 3 not started.`,
		Example: `  rollout status site-3f2a9c0e1b7d
  rollout status site-3f2a9c0e1b7d --watch`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			planID := args[0]

			if watch {
				var last deployment.OverallStatus
				err := a.store.Watch(ctx, planID, func(st *deployment.State, err error) {
					status := deployment.StatusNotStarted
					switch {
					case err == nil:
						status = st.OverallStatus
					case errors.Is(err, statestore.ErrNotFound):
						// Completed records move to the archive.
						st, status, err = orchestrator.Status(ctx, a.store, planID)
						if err != nil {
							a.logger.Warn().Err(err).Msg("failed to read status")
							return
						}
					default:
						a.logger.Warn().Err(err).Msg("failed to read state")
						return
					}
					last = status
					if jsonOutput {
						_ = writeJSON(a.out, statusView{PlanID: planID, Status: status, State: st})
						return
					}
					fmt.Fprint(a.out, "\033[H\033[2J")
					renderState(a.out, planID, st, status)
				})
				if err != nil {
					return err
				}
				return exitCode(last.ExitCode())
			}

			st, status, err := orchestrator.Status(ctx, a.store, planID)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(a.out, statusView{PlanID: planID, Status: status, State: st}); err != nil {
					return err
				}
			} else {
				renderState(a.out, planID, st, status)
			}
			return exitCode(status.ExitCode())
		}),
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-render on every state change until interrupted")

	return cmd
}
