package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/drift"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/snapshot"
	"github.com/openfroyo/rollout/pkg/stores"
)

func newReconcileCommand() *cobra.Command {
	var hosts []string

	cmd := &cobra.Command{
		Use:   "reconcile <before-snapshot-id> <after-snapshot-id>",
		Short: "Compare two stored snapshots for drift",
		Long: `Compare two snapshots from the artifact store and report every difference
in tracked config files, services and facts. --host limits the comparison
to the named hosts.

Exits 1 when any item is high severity.`,
		Example: `  rollout reconcile 12 14
  rollout reconcile 12 14 --host web1 --host web2`,
		Args:    cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			before, err := a.snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			after, err := a.snapshot(ctx, args[1])
			if err != nil {
				return err
			}
			security, err := a.securityPredicate(ctx)
			if err != nil {
				return err
			}

			if len(hosts) > 0 {
				before, after = before.Subset(hosts), after.Subset(hosts)
			}

			report := drift.Compare(before, after, drift.Options{IsSecurityPath: security})
			for _, it := range report.Items {
				a.tel.Metrics.RecordDriftItem(string(it.Category), string(it.Severity))
			}
			if err := a.output(report, func() { renderDrift(a.out, report) }); err != nil {
				return err
			}
			if report.HasHighSeverity() {
				return exitCode(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringSliceVar(&hosts, "host", nil, "only compare these hosts")

	return cmd
}

func newCheckConsistencyCommand() *cobra.Command {
	var (
		exclude []string
		hosts   []string
	)

	cmd := &cobra.Command{
		Use:   "check-consistency <snapshot-id>",
		Short: "Check that every host in a snapshot agrees",
		Long: `Report, for every config file, service and fact in a snapshot, the value
on each host and whether all hosts agree. --host limits the check to the
named hosts.

Exits 1 when any key is inconsistent.`,
		Example: `  rollout check-consistency 14
  rollout check-consistency 14 --exclude hostname --exclude fact:kernel_version`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			snap, err := a.snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(hosts) > 0 {
				snap = snap.Subset(hosts)
			}
			report := drift.CheckConsistency(snap, drift.ConsistencyOptions{ExcludeKeys: exclude})
			a.tel.Metrics.SetInconsistentKeys(snap.Label, len(report.Inconsistencies()))
			if err := a.output(report, func() { renderConsistency(a.out, report) }); err != nil {
				return err
			}
			if !report.Consistent() {
				return exitCode(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "key expected to differ per host, bare or as category:key")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "only check these hosts")

	return cmd
}

// snapshot loads and validates a stored snapshot by its ID argument.
func (a *app) snapshot(ctx context.Context, arg string) (*snapshot.Snapshot, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	snap, err := a.artifacts.GetSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("snapshot %d does not exist", id), nil)
		}
		return nil, engine.NewPersistenceError("failed to load snapshot", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("snapshot %d is malformed", id), err)
	}
	return snap, nil
}

// output writes v as JSON with --json and calls render otherwise.
func (a *app) output(v interface{}, render func()) error {
	if jsonOutput {
		return writeJSON(a.out, v)
	}
	render()
	return nil
}
