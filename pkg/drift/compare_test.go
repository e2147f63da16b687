package drift

import (
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/rollout/pkg/snapshot"
)

func sampleSnapshot(label string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Label:   label,
		TakenAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Hosts: map[string]snapshot.HostState{
			"web1": {
				FactHash:         "f1",
				Facts:            map[string]string{"kernel": "6.1"},
				ConfigFileHashes: map[string]string{"/etc/nginx/nginx.conf": "aaa", "/etc/ssh/sshd_config": "s1"},
				ServiceStatuses:  map[string]string{"nginx": "running"},
			},
			"web2": {
				FactHash:         "f2",
				ConfigFileHashes: map[string]string{"/etc/nginx/nginx.conf": "aaa"},
				ServiceStatuses:  map[string]string{"nginx": "running"},
			},
		},
	}
}

func TestCompareReflexive(t *testing.T) {
	partial := sampleSnapshot("partial")
	partial.Unreachable = []string{"db1"}

	snaps := []*snapshot.Snapshot{
		sampleSnapshot("pre"),
		{Label: "empty", Hosts: map[string]snapshot.HostState{}},
		{Label: "hash-only", Hosts: map[string]snapshot.HostState{"h": {FactHash: "x"}}},
		partial,
	}

	for _, s := range snaps {
		t.Run(s.Label, func(t *testing.T) {
			report := Compare(s, s, Options{IsSecurityPath: func(string) bool { return true }})
			if len(report.Items) != 0 {
				t.Errorf("Compare(S, S) returned %d items: %+v", len(report.Items), report.Items)
			}
		})
	}
}

func TestCompareClassification(t *testing.T) {
	before := sampleSnapshot("pre")
	after := sampleSnapshot("post")

	web1 := after.Hosts["web1"]
	web1.ConfigFileHashes = map[string]string{
		"/etc/nginx/nginx.conf": "bbb",
		"/etc/ssh/sshd_config":  "s2",
		"/etc/motd":             "m1",
	}
	web1.ServiceStatuses = map[string]string{"nginx": "stopped"}
	web1.Facts = map[string]string{"kernel": "6.2"}
	after.Hosts["web1"] = web1

	web2 := after.Hosts["web2"]
	web2.FactHash = "f2-changed"
	web2.ConfigFileHashes = map[string]string{}
	after.Hosts["web2"] = web2

	isSecurity := func(path string) bool { return strings.HasPrefix(path, "/etc/ssh/") }
	report := Compare(before, after, Options{IsSecurityPath: isSecurity})

	want := []Item{
		{Host: "web1", Category: CategoryConfig, Key: "/etc/motd", Before: Absent, After: "m1", Change: ChangeAdded, Severity: SeverityMedium},
		{Host: "web1", Category: CategoryConfig, Key: "/etc/nginx/nginx.conf", Before: "aaa", After: "bbb", Change: ChangeModified, Severity: SeverityMedium},
		{Host: "web1", Category: CategoryConfig, Key: "/etc/ssh/sshd_config", Before: "s1", After: "s2", Change: ChangeModified, Severity: SeverityHigh},
		{Host: "web1", Category: CategoryService, Key: "nginx", Before: "running", After: "stopped", Change: ChangeModified, Severity: SeverityHigh},
		{Host: "web1", Category: CategoryFact, Key: "kernel", Before: "6.1", After: "6.2", Change: ChangeModified, Severity: SeverityLow},
		{Host: "web2", Category: CategoryConfig, Key: "/etc/nginx/nginx.conf", Before: "aaa", After: Absent, Change: ChangeRemoved, Severity: SeverityMedium},
		{Host: "web2", Category: CategoryFact, Key: "fact_hash", Before: "f2", After: "f2-changed", Change: ChangeModified, Severity: SeverityLow},
	}

	if len(report.Items) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(report.Items), len(want), report.Items)
	}
	for i := range want {
		if report.Items[i] != want[i] {
			t.Errorf("item %d = %+v, want %+v", i, report.Items[i], want[i])
		}
	}

	if report.ComparedAgainst != "pre" {
		t.Errorf("ComparedAgainst = %s, want pre", report.ComparedAgainst)
	}

	sum := report.Summary()
	if sum.Total != 7 || sum.Config != 4 || sum.Service != 1 || sum.Fact != 2 {
		t.Errorf("unexpected category summary: %+v", sum)
	}
	if sum.High != 2 || sum.Medium != 3 || sum.Low != 2 {
		t.Errorf("unexpected severity summary: %+v", sum)
	}
	if !report.HasHighSeverity() {
		t.Error("expected high severity items")
	}
}

func TestCompareWithoutPredicate(t *testing.T) {
	before := sampleSnapshot("pre")
	after := sampleSnapshot("post")
	st := after.Hosts["web1"]
	st.ConfigFileHashes = map[string]string{"/etc/nginx/nginx.conf": "aaa", "/etc/ssh/sshd_config": "s2"}
	after.Hosts["web1"] = st

	report := Compare(before, after, Options{})
	if len(report.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(report.Items))
	}
	if report.Items[0].Severity != SeverityMedium {
		t.Errorf("Severity = %s, want medium without a predicate", report.Items[0].Severity)
	}
}

func TestCompareHostAddedAndRemoved(t *testing.T) {
	before := &snapshot.Snapshot{Label: "pre", Hosts: map[string]snapshot.HostState{
		"old": {ServiceStatuses: map[string]string{"cron": "running"}},
	}}
	after := &snapshot.Snapshot{Label: "post", Hosts: map[string]snapshot.HostState{
		"new": {ServiceStatuses: map[string]string{"cron": "running"}},
	}}

	report := Compare(before, after, Options{})
	if len(report.Items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(report.Items), report.Items)
	}
	if report.Items[0].Host != "new" || report.Items[0].Change != ChangeAdded {
		t.Errorf("first item = %+v, want addition on new", report.Items[0])
	}
	if report.Items[1].Host != "old" || report.Items[1].Change != ChangeRemoved {
		t.Errorf("second item = %+v, want removal on old", report.Items[1])
	}
}

func TestCompareSkipsUnreachable(t *testing.T) {
	before := sampleSnapshot("pre")
	after := sampleSnapshot("post")
	delete(after.Hosts, "web2")
	after.Unreachable = []string{"web2"}

	report := Compare(before, after, Options{})
	if len(report.Items) != 0 {
		t.Errorf("unreachable host produced drift: %+v", report.Items)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one entry", report.Warnings)
	}
}

func TestSortItemsDeterministic(t *testing.T) {
	items := []Item{
		{Host: "b", Category: CategoryFact, Key: "a"},
		{Host: "a", Category: CategoryFact, Key: "z"},
		{Host: "a", Category: CategoryService, Key: "z"},
		{Host: "a", Category: CategoryConfig, Key: "z"},
		{Host: "a", Category: CategoryConfig, Key: "b"},
	}
	SortItems(items)

	want := []string{"a/config/b", "a/config/z", "a/service/z", "a/fact/z", "b/fact/a"}
	for i, it := range items {
		got := it.Host + "/" + string(it.Category) + "/" + it.Key
		if got != want[i] {
			t.Errorf("position %d = %s, want %s", i, got, want[i])
		}
	}
}
