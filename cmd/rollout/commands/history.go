package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/idempotence"
	"github.com/openfroyo/rollout/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [plan-id]",
		Short: "List recorded runs, newest first",
		Long: `List the runs recorded in the artifact store: deploys, snapshots and
idempotence tests. With a plan ID only that plan's runs are listed.`,
		Example: `  rollout runs
  rollout runs web-rollout-0123456789ab --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			planID := ""
			if len(args) == 1 {
				planID = args[0]
			}
			runs, err := a.artifacts.ListRuns(cmd.Context(), planID, limit)
			if err != nil {
				return engine.NewPersistenceError("failed to list runs", err)
			}
			return a.output(runs, func() {
				if len(runs) == 0 {
					fmt.Fprintln(a.out, styleDim.Render("no runs"))
					return
				}
				fmt.Fprintln(a.out, styleHeader.Render(fmt.Sprintf("  %-36s %-32s %-11s %-10s %s", "RUN", "PLAN", "MODE", "STATUS", "STARTED")))
				for _, r := range runs {
					fmt.Fprintf(a.out, "  %-36s %-32s %-11s %s %s\n", r.ID, r.PlanID, r.Mode,
						statusStyle(string(r.Status)).Render(padRight(string(r.Status), 10)),
						r.StartedAt.Local().Format("2006-01-02 15:04:05"))
				}
			})
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs (0 for all)")

	return cmd
}

type runView struct {
	Run       *stores.Run           `json:"run"`
	Snapshots []stores.SnapshotInfo `json:"snapshots"`
	Reports   []*stores.Report      `json:"reports"`
	Events    []*stores.EventRecord `json:"events,omitempty"`
}

func newRunCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show a run with its snapshots and reports",
		Long: `Show one recorded run: its outcome, the snapshots it captured and the
drift, consistency and idempotence reports it wrote. --events adds the
run's event log. Use "rollout report <id>" to read a report.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			view, err := a.runView(cmd.Context(), args[0], events)
			if err != nil {
				return err
			}
			return a.output(view, func() { renderRun(a, view) })
		}),
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}

func (a *app) runView(ctx context.Context, runID string, events bool) (*runView, error) {
	run, err := a.artifacts.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("run %s does not exist", runID), nil)
		}
		return nil, engine.NewPersistenceError("failed to load run", err)
	}
	view := &runView{Run: run}
	if view.Snapshots, err = a.artifacts.ListSnapshots(ctx, stores.SnapshotFilter{RunID: runID}); err != nil {
		return nil, engine.NewPersistenceError("failed to list snapshots", err)
	}
	if view.Reports, err = a.artifacts.ListReports(ctx, runID); err != nil {
		return nil, engine.NewPersistenceError("failed to list reports", err)
	}
	if events {
		if view.Events, err = a.artifacts.ListEvents(ctx, runID); err != nil {
			return nil, engine.NewPersistenceError("failed to list events", err)
		}
	}
	return view, nil
}

func renderRun(a *app, view *runView) {
	w, r := a.out, view.Run
	fmt.Fprintln(w, styleTitle.Render("Run "+r.ID))
	fmt.Fprintln(w, keyValue("plan", r.PlanID))
	fmt.Fprintln(w, keyValue("mode", r.Mode))
	fmt.Fprintln(w, keyValue("status", statusStyle(string(r.Status)).Render(string(r.Status))))
	fmt.Fprintln(w, keyValue("started", r.StartedAt.Local().Format("2006-01-02 15:04:05")))
	if r.FinishedAt != nil {
		fmt.Fprintln(w, keyValue("duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Second)))
	}
	if r.Message != "" {
		fmt.Fprintln(w, keyValue("message", r.Message))
	}

	if len(view.Snapshots) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("  %-6s %-16s %-10s %s", "ID", "STAGE", "LABEL", "PARTIAL")))
		for _, s := range view.Snapshots {
			fmt.Fprintf(w, "  %-6d %-16s %-10s %v\n", s.ID, s.StageID, s.Label, s.Partial)
		}
	}
	if len(view.Reports) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("  %-6s %-12s %s", "ID", "KIND", "LABEL")))
		for _, rep := range view.Reports {
			fmt.Fprintf(w, "  %-6d %-12s %s\n", rep.ID, rep.Kind, rep.Label)
		}
	}
	if len(view.Events) > 0 {
		fmt.Fprintln(w)
		for _, ev := range view.Events {
			fmt.Fprintf(w, "  %s %-22s %-12s %s\n",
				styleDim.Render(ev.Timestamp.Local().Format("15:04:05")), ev.Type, ev.StageID, ev.Message)
		}
	}
}

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <report-id>",
		Short: "Show a stored drift, consistency or idempotence report",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rep, err := a.artifacts.GetReport(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return engine.NewConfigurationError(fmt.Sprintf("report %d does not exist", id), nil)
				}
				return engine.NewPersistenceError("failed to load report", err)
			}
			if jsonOutput {
				return writeJSON(a.out, rep)
			}
			return renderReport(a, rep)
		}),
	}
	return cmd
}

func renderReport(a *app, rep *stores.Report) error {
	var err error
	switch rep.Kind {
	case stores.ReportKindDrift:
		var body drift.Report
		if err = rep.Decode(&body); err == nil {
			renderDrift(a.out, &body)
		}
	case stores.ReportKindConsistency:
		var body drift.ConsistencyReport
		if err = rep.Decode(&body); err == nil {
			renderConsistency(a.out, &body)
		}
	case stores.ReportKindIdempotence:
		var body idempotence.Result
		if err = rep.Decode(&body); err == nil {
			renderIdempotence(a.out, &body)
		}
	default:
		_, err = a.out.Write(append(rep.Body, '\n'))
	}
	if err != nil {
		return engine.NewPersistenceError(fmt.Sprintf("report %d is malformed", rep.ID), err)
	}
	return nil
}
