package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

// Capturer collects snapshots through the engine's query mode. It never
// calls Execute.
type Capturer struct {
	engine engine.Engine
	logger zerolog.Logger
	now    func() time.Time
}

// NewCapturer creates a capturer over eng.
func NewCapturer(eng engine.Engine, logger zerolog.Logger) *Capturer {
	return &Capturer{
		engine: eng,
		logger: logger,
		now:    time.Now,
	}
}

// Capture queries hosts and returns a snapshot labeled label. Unreachable
// hosts are omitted and listed in Unreachable with a warning each. An error
// is returned only when the query itself cannot run.
func (c *Capturer) Capture(ctx context.Context, hosts []string, label string, spec Spec) (*Snapshot, error) {
	if label == "" {
		return nil, engine.NewConfigurationError("snapshot label is required", nil)
	}

	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)

	snap := &Snapshot{
		Label:   label,
		TakenAt: c.now().UTC(),
		Hosts:   make(map[string]HostState, len(sorted)),
	}
	if len(sorted) == 0 {
		return snap, nil
	}

	res, err := c.engine.Query(ctx, engine.QueryRequest{
		Hosts:        sorted,
		FactKeys:     spec.FactKeys,
		TrackedPaths: spec.TrackedPaths,
		ServiceNames: spec.Services,
	})
	if err != nil {
		return nil, engine.NewExecutionError("snapshot query failed", err)
	}
	if res == nil {
		// An engine that answers nothing reached no host.
		res = &engine.QueryResult{}
	}

	unreachable := make(map[string]bool, len(res.Unreachable))
	for _, h := range res.Unreachable {
		unreachable[h] = true
	}

	for _, host := range sorted {
		q, ok := res.PerHost[host]
		if unreachable[host] || !ok {
			snap.Unreachable = append(snap.Unreachable, host)
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("host %s unreachable during %s snapshot", host, label))
			continue
		}
		snap.Hosts[host] = HostState{
			FactHash:         HashFacts(q.Facts),
			Facts:            copyMap(q.Facts),
			ConfigFileHashes: copyMap(q.FileHashes),
			ServiceStatuses:  copyMap(q.ServiceStates),
		}
	}

	logger := telemetry.Component(telemetry.LoggerFrom(ctx, c.logger), "snapshot")
	if snap.Partial() {
		logger.Warn().
			Str("label", label).
			Strs("unreachable", snap.Unreachable).
			Int("captured", len(snap.Hosts)).
			Msg("Partial snapshot")
	} else {
		logger.Debug().Str("label", label).Int("hosts", len(snap.Hosts)).Msg("Snapshot captured")
	}

	return snap, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
