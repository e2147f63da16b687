package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/orchestrator"
)

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <plan-id>",
		Short: "Discard the state of a deployment",
		Long: `Discard the live record of a deployment so the next deploy starts fresh.
The record is kept as a reset backup in the archive directory. A deployment
held by a live process cannot be reset.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			backup, err := a.store.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(a.out, map[string]string{"plan_id": args[0], "backup": backup})
			}
			if backup == "" {
				fmt.Fprintln(a.out, styleDim.Render("no state for "+args[0]))
				return nil
			}
			fmt.Fprintln(a.out, styleOK.Render("reset "+args[0]))
			fmt.Fprintln(a.out, keyValue("backup", backup))
			return nil
		}),
	}
	return cmd
}

type planEntry struct {
	PlanID string                   `json:"plan_id"`
	Status deployment.OverallStatus `json:"status"`
	Stage  string                   `json:"stage,omitempty"`
}

func newPlansCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List deployments with a live record",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()
			ids, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			entries := make([]planEntry, 0, len(ids))
			for _, id := range ids {
				st, status, err := orchestrator.Status(ctx, a.store, id)
				if err != nil {
					a.logger.Warn().Err(err).Str("plan_id", id).Msg("failed to read state")
					continue
				}
				e := planEntry{PlanID: id, Status: status}
				if st != nil {
					if rec := st.Current(); rec != nil {
						e.Stage = rec.StageID
					}
				}
				entries = append(entries, e)
			}

			return a.output(entries, func() {
				if len(entries) == 0 {
					fmt.Fprintln(a.out, styleDim.Render("no deployments"))
					return
				}
				fmt.Fprintln(a.out, styleHeader.Render(fmt.Sprintf("  %-32s %-12s %s", "PLAN", "STATUS", "STAGE")))
				for _, e := range entries {
					fmt.Fprintf(a.out, "  %-32s %s %s\n", e.PlanID,
						statusStyle(string(e.Status)).Render(padRight(string(e.Status), 12)), e.Stage)
				}
			})
		}),
	}
	return cmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rollout %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
