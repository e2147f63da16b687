package drift

import (
	"fmt"
	"sort"

	"github.com/openfroyo/rollout/pkg/snapshot"
)

// factHashKey is the fact key used when snapshots carry only a fact digest.
const factHashKey = "fact_hash"

// Options tunes classification.
type Options struct {
	// IsSecurityPath reports whether a tracked config path is security
	// relevant. Changes to such paths are high severity. Nil means no path is.
	IsSecurityPath func(path string) bool
}

// Compare returns the drift from before to after. Hosts omitted from either
// snapshot as unreachable are skipped and noted in Warnings. Both snapshots
// must already be valid; see snapshot.Snapshot.Validate.
func Compare(before, after *snapshot.Snapshot, opts Options) *Report {
	report := &Report{
		ComparedAgainst: before.Label,
		BeforeID:        before.ID,
		AfterID:         after.ID,
		Items:           make([]Item, 0),
	}

	skip := make(map[string]bool)
	for _, s := range []*snapshot.Snapshot{before, after} {
		for _, h := range s.Unreachable {
			if !skip[h] {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("host %s unreachable in %q snapshot, not compared", h, s.Label))
			}
			skip[h] = true
		}
	}

	hosts := make(map[string]bool)
	for h := range before.Hosts {
		hosts[h] = true
	}
	for h := range after.Hosts {
		hosts[h] = true
	}

	for host := range hosts {
		if skip[host] {
			continue
		}
		b := before.Hosts[host]
		a := after.Hosts[host]

		for _, it := range diffMaps(b.ConfigFileHashes, a.ConfigFileHashes) {
			sev := SeverityMedium
			if opts.IsSecurityPath != nil && opts.IsSecurityPath(it.Key) {
				sev = SeverityHigh
			}
			report.Items = append(report.Items, it.item(host, CategoryConfig, sev))
		}

		for _, it := range diffMaps(b.ServiceStatuses, a.ServiceStatuses) {
			report.Items = append(report.Items, it.item(host, CategoryService, SeverityHigh))
		}

		if len(b.Facts) > 0 || len(a.Facts) > 0 {
			for _, it := range diffMaps(b.Facts, a.Facts) {
				report.Items = append(report.Items, it.item(host, CategoryFact, SeverityLow))
			}
		} else {
			for _, it := range diffMaps(hashMap(b.FactHash), hashMap(a.FactHash)) {
				report.Items = append(report.Items, it.item(host, CategoryFact, SeverityLow))
			}
		}
	}

	SortItems(report.Items)
	return report
}

// SortItems orders items by host, then category, then key.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Host != items[j].Host {
			return items[i].Host < items[j].Host
		}
		if oi, oj := items[i].Category.order(), items[j].Category.order(); oi != oj {
			return oi < oj
		}
		return items[i].Key < items[j].Key
	})
}

type keyDiff struct {
	Key    string
	Before string
	After  string
	Change Change
}

func (d keyDiff) item(host string, cat Category, sev Severity) Item {
	return Item{
		Host:     host,
		Category: cat,
		Key:      d.Key,
		Before:   d.Before,
		After:    d.After,
		Change:   d.Change,
		Severity: sev,
	}
}

// diffMaps returns the keys whose values differ, with Absent standing in
// for a missing side.
func diffMaps(before, after map[string]string) []keyDiff {
	out := make([]keyDiff, 0)
	for k, bv := range before {
		av, ok := after[k]
		switch {
		case !ok:
			out = append(out, keyDiff{Key: k, Before: bv, After: Absent, Change: ChangeRemoved})
		case av != bv:
			out = append(out, keyDiff{Key: k, Before: bv, After: av, Change: ChangeModified})
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			out = append(out, keyDiff{Key: k, Before: Absent, After: av, Change: ChangeAdded})
		}
	}
	return out
}

func hashMap(hash string) map[string]string {
	if hash == "" {
		return nil
	}
	return map[string]string{factHashKey: hash}
}
