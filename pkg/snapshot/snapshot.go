// Package snapshot captures point-in-time host state (facts, tracked file
// hashes and service states) through the engine's read-only query mode.
package snapshot

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/openfroyo/rollout/pkg/engine"
)

// Well-known snapshot labels.
const (
	LabelPre      = "pre"
	LabelPost     = "post"
	LabelBaseline = "baseline"
)

// HostState is the captured state of one host.
type HostState struct {
	// FactHash digests every fact the engine returned for the host.
	FactHash string `json:"fact_hash"`

	// Facts holds the individual facts that were requested, if any.
	Facts map[string]string `json:"facts,omitempty"`

	// ConfigFileHashes maps tracked path to content hash.
	ConfigFileHashes map[string]string `json:"config_file_hashes"`

	// ServiceStatuses maps service name to its reported state.
	ServiceStatuses map[string]string `json:"service_statuses"`
}

// Snapshot is a capture of host state across a host set.
type Snapshot struct {
	// ID is assigned by the artifact store; zero until stored.
	ID int64 `json:"id,omitempty"`

	RunID   string `json:"run_id,omitempty"`
	PlanID  string `json:"plan_id,omitempty"`
	StageID string `json:"stage_id,omitempty"`

	Label   string               `json:"label"`
	TakenAt time.Time            `json:"taken_at"`
	Hosts   map[string]HostState `json:"hosts"`

	// Unreachable lists hosts omitted from Hosts.
	Unreachable []string `json:"unreachable,omitempty"`

	// Warnings are human-readable notes for reports.
	Warnings []string `json:"warnings,omitempty"`
}

// Spec declares what a capture collects.
type Spec struct {
	FactKeys     []string `json:"facts,omitempty" yaml:"facts,omitempty"`
	TrackedPaths []string `json:"tracked_paths,omitempty" yaml:"tracked_paths,omitempty"`
	Services     []string `json:"services,omitempty" yaml:"services,omitempty"`
}

// HostIDs returns the captured host IDs, sorted.
func (s *Snapshot) HostIDs() []string {
	ids := make([]string, 0, len(s.Hosts))
	for id := range s.Hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Partial reports whether any host was omitted.
func (s *Snapshot) Partial() bool {
	return len(s.Unreachable) > 0
}

// Warning returns a partial snapshot warning when hosts were omitted.
func (s *Snapshot) Warning() error {
	if !s.Partial() {
		return nil
	}
	return engine.NewPartialSnapshotWarning(
		fmt.Sprintf("snapshot %q omitted unreachable hosts: %s", s.Label, strings.Join(s.Unreachable, ", ")), nil).
		WithPlan(s.PlanID).
		WithStage(s.StageID)
}

// Validate rejects snapshots that cannot be compared.
func (s *Snapshot) Validate() error {
	if s == nil {
		return engine.NewConfigurationError("snapshot is nil", nil)
	}
	if s.Label == "" {
		return engine.NewConfigurationError("snapshot has no label", nil)
	}
	if s.Hosts == nil {
		return engine.NewConfigurationError(fmt.Sprintf("snapshot %q has no host map", s.Label), nil)
	}
	for id := range s.Hosts {
		if id == "" {
			return engine.NewConfigurationError(fmt.Sprintf("snapshot %q has an empty host id", s.Label), nil)
		}
	}
	return nil
}

// Subset returns a copy of the snapshot restricted to hosts. Unreachable is
// narrowed the same way.
func (s *Snapshot) Subset(hosts []string) *Snapshot {
	out := *s
	want := make(map[string]bool, len(hosts))
	out.Hosts = make(map[string]HostState, len(hosts))
	for _, h := range hosts {
		want[h] = true
		if st, ok := s.Hosts[h]; ok {
			out.Hosts[h] = st
		}
	}
	out.Unreachable = nil
	for _, h := range s.Unreachable {
		if want[h] {
			out.Unreachable = append(out.Unreachable, h)
		}
	}
	return &out
}

// HashFacts digests a fact map with BLAKE2b-256 over sorted key=value lines.
func HashFacts(facts map[string]string) string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(facts[k])
		b.WriteByte('\n')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
