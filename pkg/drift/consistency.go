package drift

import (
	"sort"

	"github.com/openfroyo/rollout/pkg/snapshot"
)

// ConsistencyOptions tunes a consistency check.
type ConsistencyOptions struct {
	// ExcludeKeys names keys that are expected to differ per host. An entry
	// matches either a bare key or "category:key".
	ExcludeKeys []string
}

func (o ConsistencyOptions) excluded(cat Category, key string) bool {
	for _, k := range o.ExcludeKeys {
		if k == key || k == string(cat)+":"+key {
			return true
		}
	}
	return false
}

type ckey struct {
	cat Category
	key string
}

// CheckConsistency reports, for every (category, key) observed on at least
// one host, the value on each host and whether all hosts agree. A host that
// lacks the key contributes Absent. When no host carries per-key facts the
// fact hashes are compared under the key fact_hash.
func CheckConsistency(snap *snapshot.Snapshot, opts ConsistencyOptions) *ConsistencyReport {
	hosts := snap.HostIDs()
	report := &ConsistencyReport{
		SnapshotLabel: snap.Label,
		SnapshotID:    snap.ID,
		Hosts:         hosts,
		Items:         make([]InconsistencyItem, 0),
		Warnings:      append([]string(nil), snap.Warnings...),
	}

	hashOnly := true
	for _, h := range hosts {
		if len(snap.Hosts[h].Facts) > 0 {
			hashOnly = false
			break
		}
	}
	facts := func(st snapshot.HostState) map[string]string {
		if hashOnly {
			return hashMap(st.FactHash)
		}
		return st.Facts
	}

	keys := make(map[ckey]bool)
	for _, h := range hosts {
		st := snap.Hosts[h]
		for k := range st.ConfigFileHashes {
			keys[ckey{CategoryConfig, k}] = true
		}
		for k := range st.ServiceStatuses {
			keys[ckey{CategoryService, k}] = true
		}
		for k := range facts(st) {
			keys[ckey{CategoryFact, k}] = true
		}
	}

	for k := range keys {
		if opts.excluded(k.cat, k.key) {
			continue
		}
		item := InconsistencyItem{
			Category:   k.cat,
			Key:        k.key,
			HostValues: make(map[string]string, len(hosts)),
		}
		distinct := make(map[string]bool)
		for _, h := range hosts {
			st := snap.Hosts[h]
			v := valueOf(st, facts(st), k)
			item.HostValues[h] = v
			distinct[v] = true
		}
		item.Consistent = len(distinct) <= 1
		report.Items = append(report.Items, item)
	}

	sort.Slice(report.Items, func(i, j int) bool {
		if oi, oj := report.Items[i].Category.order(), report.Items[j].Category.order(); oi != oj {
			return oi < oj
		}
		return report.Items[i].Key < report.Items[j].Key
	})
	return report
}

func valueOf(st snapshot.HostState, facts map[string]string, k ckey) string {
	var m map[string]string
	switch k.cat {
	case CategoryConfig:
		m = st.ConfigFileHashes
	case CategoryService:
		m = st.ServiceStatuses
	case CategoryFact:
		m = facts
	}
	if v, ok := m[k.key]; ok {
		return v
	}
	return Absent
}
