package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	return NewLoader(5*time.Second, zerolog.Nop())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadPlanFormatsAgree(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()

	want, err := l.LoadPlan(ctx, "testdata/plan.yaml")
	if err != nil {
		t.Fatalf("LoadPlan(yaml) error = %v", err)
	}
	if want.Name != "web-rollout" || len(want.Stages) != 2 || want.Format != FormatYAML {
		t.Fatalf("yaml plan = %+v", want)
	}
	canary := want.Stages[0]
	if canary.Retry == nil || canary.Retry.MaxAttempts != 2 || canary.Retry.BackoffSeconds != 10 {
		t.Errorf("canary retry = %+v", canary.Retry)
	}
	if !reflect.DeepEqual(canary.Target, engine.TargetSelector{Group: "web", Tags: []string{"canary"}}) {
		t.Errorf("canary target = %+v", canary.Target)
	}
	if !want.Stages[1].ConsistencyGate || want.Stages[1].FailureThreshold != 0.1 {
		t.Errorf("fleet stage = %+v", want.Stages[1])
	}

	for _, path := range []string{"testdata/plan.cue", "testdata/plan.star"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			got, err := l.LoadPlan(ctx, path)
			if err != nil {
				t.Fatalf("LoadPlan(%s) error = %v", path, err)
			}
			if got.Name != want.Name {
				t.Errorf("name = %q, want %q", got.Name, want.Name)
			}
			if !reflect.DeepEqual(got.Stages, want.Stages) {
				t.Errorf("stages = %+v\nwant %+v", got.Stages, want.Stages)
			}
			if !reflect.DeepEqual(got.Snapshots, want.Snapshots) {
				t.Errorf("snapshots = %+v, want %+v", got.Snapshots, want.Snapshots)
			}
			if got.Source != path {
				t.Errorf("source = %q", got.Source)
			}
		})
	}
}

func TestLoadPlanErrors(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown extension",
			file:    "plan.json",
			content: `{}`,
			want:    "unsupported plan config extension",
		},
		{
			name:    "yaml unknown field",
			file:    "typo.yaml",
			content: "name: x\nstages:\n  - id: a\n    fragment: f\n    target: {group: web}\n    retries: 3\n",
			want:    "retries",
		},
		{
			name:    "yaml no stages",
			file:    "empty.yaml",
			content: "name: x\n",
			want:    "Stages",
		},
		{
			name:    "yaml missing fragment",
			file:    "nofrag.yaml",
			content: "name: x\nstages:\n  - id: a\n    target: {group: web}\n",
			want:    "Fragment: is required",
		},
		{
			name:    "yaml threshold out of range",
			file:    "threshold.yaml",
			content: "name: x\nstages:\n  - id: a\n    fragment: f\n    target: {group: web}\n    failure_threshold: 1.5\n",
			want:    "FailureThreshold: must be <= 1",
		},
		{
			name:    "cue without plan",
			file:    "noplan.cue",
			content: "other: 1\n",
			want:    `no "plan" field`,
		},
		{
			name:    "cue schema violation",
			file:    "bad.cue",
			content: "plan: {\n\tname: \"x\"\n\tstages: [{id: \"a\", fragment: \"f\", target: {group: \"web\"}, retry: {max_attempts: 0}}]\n}\n",
			want:    "max_attempts",
		},
		{
			name:    "cue closed definition",
			file:    "closed.cue",
			content: "plan: {\n\tname: \"x\"\n\tstages: [{id: \"a\", fragment: \"f\", target: {group: \"web\"}, retries: 3}]\n}\n",
			want:    "retries",
		},
		{
			name:    "cue syntax",
			file:    "syntax.cue",
			content: "plan: {\n\tname: \n",
			want:    "syntax.cue",
		},
		{
			name:    "starlark without plan",
			file:    "noplan.star",
			content: "x = 1\n",
			want:    `no "plan" global`,
		},
		{
			name:    "starlark plan not a dict",
			file:    "list.star",
			content: "plan = [1, 2]\n",
			want:    "must be a dict",
		},
		{
			name:    "starlark unknown field",
			file:    "typo.star",
			content: "plan = {\"name\": \"x\", \"stages\": [], \"stagez\": []}\n",
			want:    "stagez",
		},
		{
			name:    "starlark error",
			file:    "fail.star",
			content: "fail(\"refusing to build plan\")\n",
			want:    "refusing to build plan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := l.LoadPlan(context.Background(), path)
			if err == nil {
				t.Fatal("LoadPlan() succeeded, want error")
			}
			if !engine.IsConfigurationError(err) {
				t.Errorf("error kind = %s, want configuration: %v", engine.KindOf(err), err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadPlanStarlarkCancelled(t *testing.T) {
	l := newTestLoader(t)
	l.starlark.evaluator.maxSteps = 0
	path := writeFile(t, t.TempDir(), "spin.star", `
def spin():
    n = 0
    for _ in range(100000000):
        n += 1
    return n

plan = {"name": "x", "stages": [], "n": spin()}
`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.LoadPlan(ctx, path)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LoadPlan() error = %v, want deadline exceeded", err)
	}
}

func TestPlanBindsInventory(t *testing.T) {
	l := newTestLoader(t)
	pc, err := l.LoadPlan(context.Background(), "testdata/plan.yaml")
	if err != nil {
		t.Fatal(err)
	}
	inv, err := LoadInventory("testdata/inventory.yaml")
	if err != nil {
		t.Fatalf("LoadInventory() error = %v", err)
	}

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	plan, err := pc.Plan(inv, now)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.PlanID != deployment.PlanID("web-rollout", "prod") {
		t.Errorf("plan id = %s", plan.PlanID)
	}
	if plan.Fingerprint == "" || !plan.CreatedAt.Equal(now) {
		t.Errorf("plan = %+v", plan)
	}

	again, err := pc.Plan(inv, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if again.PlanID != plan.PlanID || again.Fingerprint != plan.Fingerprint {
		t.Error("plan identity is not stable")
	}

	pc.Stages[1].Target.Group = "cache"
	if _, err := pc.Plan(inv, now); !engine.IsConfigurationError(err) {
		t.Errorf("Plan() with unknown group error = %v", err)
	}
}

func TestLoadInventory(t *testing.T) {
	inv, err := LoadInventory("testdata/inventory.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if inv.Identity() != "prod" {
		t.Errorf("identity = %q", inv.Identity())
	}
	if got := inv.Hosts(); !reflect.DeepEqual(got, []string{"db1", "web1", "web2", "web3"}) {
		t.Errorf("hosts = %v", got)
	}
	web1, ok := inv.Host("web1")
	if !ok || web1.ID != "web1" || web1.Address != "10.0.0.11" {
		t.Errorf("web1 = %+v", web1)
	}
	canaries, err := inv.Resolve(engine.TargetSelector{Group: "web", Tags: []string{"canary"}})
	if err != nil || !reflect.DeepEqual(canaries, []string{"web1"}) {
		t.Errorf("canaries = %v, %v", canaries, err)
	}

	dir := t.TempDir()
	unnamed := writeFile(t, dir, "hosts.yaml", "groups:\n  web:\n    hosts:\n      a: {}\n")
	inv, err = LoadInventory(unnamed)
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(inv.Identity()) {
		t.Errorf("unnamed inventory identity = %q, want absolute path", inv.Identity())
	}

	for name, content := range map[string]string{
		"empty.yaml":    "name: x\n",
		"reserved.yaml": "groups:\n  all:\n    hosts:\n      a: {}\n",
		"typo.yaml":     "groups:\n  web:\n    hostz:\n      a: {}\n",
	} {
		if _, err := LoadInventory(writeFile(t, dir, name, content)); !engine.IsConfigurationError(err) {
			t.Errorf("LoadInventory(%s) error = %v, want configuration error", name, err)
		}
	}
	if _, err := LoadInventory(filepath.Join(dir, "missing.yaml")); !engine.IsConfigurationError(err) {
		t.Errorf("LoadInventory(missing) error = %v", err)
	}
}

func TestFormatOf(t *testing.T) {
	tests := map[string]string{
		"a.yaml":     FormatYAML,
		"a.YML":      FormatYAML,
		"dir/a.cue":  FormatCUE,
		"a.star":     FormatStarlark,
		"a.starlark": FormatStarlark,
	}
	for path, want := range tests {
		got, err := FormatOf(path)
		if err != nil || got != want {
			t.Errorf("FormatOf(%q) = %q, %v; want %q", path, got, err, want)
		}
	}
	if _, err := FormatOf("a.toml"); err == nil {
		t.Error("FormatOf(a.toml) succeeded")
	}
}
