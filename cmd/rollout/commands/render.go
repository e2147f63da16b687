package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/idempotence"
	"github.com/openfroyo/rollout/pkg/orchestrator"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderState(w io.Writer, planID string, st *deployment.State, status deployment.OverallStatus) {
	fmt.Fprintln(w, styleTitle.Render("Deployment "+planID))
	fmt.Fprintln(w, keyValue("status", statusStyle(string(status)).Render(string(status))))
	if st == nil {
		return
	}
	if st.Plan != nil {
		fmt.Fprintln(w, keyValue("plan", st.Plan.Name))
		fmt.Fprintln(w, keyValue("inventory", st.Plan.InventoryID))
	}
	sum := st.Summary()
	fmt.Fprintln(w, keyValue("stages", fmt.Sprintf("%d total, %d succeeded, %d skipped, %d failed, %d pending",
		sum.Total, sum.Succeeded, sum.Skipped, sum.Failed, sum.Pending+sum.Running)))
	fmt.Fprintln(w, keyValue("updated", st.UpdatedAt.Format("2006-01-02 15:04:05 MST")))
	if st.Error != "" {
		fmt.Fprintln(w, keyValue("error", styleFail.Render(st.Error)))
	}
	fmt.Fprintln(w)

	header := fmt.Sprintf("  %-3s %-24s %-10s %-8s %-8s %s", "#", "STAGE", "STATUS", "ATTEMPT", "FAILED", "DRIFT")
	fmt.Fprintln(w, styleHeader.Render(header))
	for i, rec := range st.Stages {
		cursor := " "
		if i == st.CurrentStageIndex && !st.OverallStatus.IsTerminal() {
			cursor = ">"
		}
		driftCol := styleDim.Render("-")
		if rec.Drift != nil {
			s := rec.Drift.Summary()
			driftCol = fmt.Sprintf("%d items", s.Total)
			if s.High > 0 {
				driftCol = styleFail.Render(fmt.Sprintf("%d items, %d high", s.Total, s.High))
			}
		}
		status := string(rec.Status)
		fmt.Fprintf(w, "%s %-3d %-24s %s %-8d %-8d %s\n",
			cursor, i+1, rec.StageID,
			statusStyle(status).Render(padRight(status, 10)),
			len(rec.History), len(rec.FailedHosts()), driftCol)
		if rec.Error != "" {
			fmt.Fprintf(w, "      %s\n", styleDim.Render(rec.Error))
		}
		if last := rec.LastAttempt(); last != nil && last.TimedOut {
			fmt.Fprintf(w, "      %s\n", styleWarn.Render(fmt.Sprintf("attempt %d timed out after %ds", last.Attempt, last.TimeoutSeconds)))
		}
		for _, warn := range rec.Warnings {
			fmt.Fprintf(w, "      %s\n", styleWarn.Render(warn))
		}
	}
}

func renderResult(w io.Writer, res *orchestrator.Result) {
	if res.State != nil {
		renderState(w, res.PlanID, res.State, res.State.OverallStatus)
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, keyValue("run", res.RunID))
	fmt.Fprintln(w, keyValue("mode", res.Mode))
	if res.ArchivePath != "" {
		fmt.Fprintln(w, keyValue("archived", res.ArchivePath))
	}
	if res.RemoteKey != "" {
		fmt.Fprintln(w, keyValue("uploaded", res.RemoteKey))
	}
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, styleWarn.Render("warning: "+warn))
	}
	if len(res.HighSeverity) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styleFail.Render(fmt.Sprintf("%d high-severity drift item(s)", len(res.HighSeverity))))
		renderDriftItems(w, res.HighSeverity)
	}
}

func renderDryRun(w io.Writer, dr *orchestrator.DryRun) {
	fmt.Fprintln(w, styleTitle.Render("Dry run "+dr.PlanID))
	fmt.Fprintln(w, keyValue("existing", dr.Existing))
	fmt.Fprintln(w, keyValue("tier", fmt.Sprintf("%s (%d cores, %d MB)", dr.Profile.Tier, dr.Profile.CoreCount, dr.Profile.MemoryMB)))
	fmt.Fprintln(w, keyValue("parallelism", dr.Tuning.Parallelism))
	fmt.Fprintln(w)
	for i, st := range dr.Stages {
		fmt.Fprintf(w, "%s %s %s\n", styleTitle.Render(fmt.Sprintf("%d.", i+1)), st.ID, styleDim.Render(st.Fragment))
		fmt.Fprintf(w, "   target %s: %s\n", st.Target, strings.Join(st.Hosts, ", "))
		fmt.Fprintf(w, "   attempts %d, timeout %ds, threshold %.2f\n", st.MaxAttempts, st.TimeoutSeconds, st.Threshold)
		for _, c := range st.PreCommands {
			fmt.Fprintf(w, "   pre: %s\n", c)
		}
		if st.ConsistencyGate {
			fmt.Fprintln(w, "   consistency gate")
		}
		if st.Status != "" {
			fmt.Fprintf(w, "   status %s\n", statusStyle(string(st.Status)).Render(string(st.Status)))
		}
	}
}

func renderDrift(w io.Writer, report *drift.Report) {
	s := report.Summary()
	fmt.Fprintln(w, styleTitle.Render("Drift against "+report.ComparedAgainst))
	fmt.Fprintln(w, keyValue("items", fmt.Sprintf("%d (config %d, service %d, fact %d)", s.Total, s.Config, s.Service, s.Fact)))
	fmt.Fprintln(w, keyValue("severity", fmt.Sprintf("high %d, medium %d, low %d", s.High, s.Medium, s.Low)))
	for _, warn := range report.Warnings {
		fmt.Fprintln(w, styleWarn.Render("warning: "+warn))
	}
	if len(report.Items) > 0 {
		fmt.Fprintln(w)
		renderDriftItems(w, report.Items)
	}
}

func renderDriftItems(w io.Writer, items []drift.Item) {
	header := fmt.Sprintf("  %-8s %-16s %-8s %-9s %s", "SEVERITY", "HOST", "CATEGORY", "CHANGE", "KEY")
	fmt.Fprintln(w, styleHeader.Render(header))
	for _, it := range items {
		fmt.Fprintf(w, "  %s %-16s %-8s %-9s %s\n",
			severityStyle(it.Severity).Render(padRight(string(it.Severity), 8)),
			it.Host, it.Category, it.Change, it.Key)
		fmt.Fprintf(w, "  %s\n", styleDim.Render(fmt.Sprintf("%s -> %s", it.Before, it.After)))
	}
}

func renderConsistency(w io.Writer, report *drift.ConsistencyReport) {
	bad := report.Inconsistencies()
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("Consistency of snapshot %d (%s)", report.SnapshotID, report.SnapshotLabel)))
	fmt.Fprintln(w, keyValue("hosts", strings.Join(report.Hosts, ", ")))
	fmt.Fprintln(w, keyValue("keys", len(report.Items)))
	for _, warn := range report.Warnings {
		fmt.Fprintln(w, styleWarn.Render("warning: "+warn))
	}
	if len(bad) == 0 {
		fmt.Fprintln(w, styleOK.Render("all keys consistent"))
		return
	}
	fmt.Fprintln(w, styleFail.Render(fmt.Sprintf("%d inconsistent key(s)", len(bad))))
	for _, it := range bad {
		fmt.Fprintf(w, "  %s %s\n", it.Category, it.Key)
		for _, h := range report.Hosts {
			fmt.Fprintf(w, "    %-16s %s\n", h, it.HostValues[h])
		}
	}
}

func renderIdempotence(w io.Writer, res *idempotence.Result) {
	scoreStyle := styleOK
	if !res.Idempotent() {
		scoreStyle = styleFail
	}
	fmt.Fprintln(w, styleTitle.Render("Idempotence of "+res.StageID))
	fmt.Fprintln(w, keyValue("score", scoreStyle.Render(fmt.Sprintf("%d/100", res.ConsistencyScore))))
	fmt.Fprintln(w, keyValue("iterations", fmt.Sprintf("%d of %d", len(res.PerIterationChangeCount), res.Iterations)))
	fmt.Fprintln(w, keyValue("changes", fmt.Sprint(res.PerIterationChangeCount)))
	if res.Aborted {
		fmt.Fprintln(w, styleFail.Render("aborted: an iteration failed"))
	}
	for _, issue := range res.Issues {
		fmt.Fprintln(w, styleWarn.Render("issue: "+issue))
	}
	for _, rec := range res.Recommendations {
		fmt.Fprintln(w, styleDim.Render("hint: "+rec))
	}
}
