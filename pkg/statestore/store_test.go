package statestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProcesses map[int]bool

func (p fakeProcesses) Alive(_ context.Context, pid int) bool { return p[pid] }

func newTestStore(t *testing.T, dir string) (*FileStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	if dir == "" {
		dir = t.TempDir()
	}
	s, err := New(dir, zerolog.Nop(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, clock
}

func testState(t *testing.T, name string) *deployment.State {
	t.Helper()
	plan, err := deployment.NewPlan(name, "inventory", []deployment.Stage{
		{ID: "one", Fragment: "one.yml", Target: engine.TargetSelector{Group: "all"}},
		{ID: "two", Fragment: "two.yml", Target: engine.TargetSelector{Group: "all"}},
	}, nil, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewPlan() error = %v", err)
	}
	return deployment.NewState(plan, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
}

func TestSaveLoad(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	st := testState(t, "web")
	st.Stages[0].Status = deployment.StageStatusSucceeded
	st.Stages[0].Attempts = 1
	st.Stages[0].History = []deployment.AttemptRecord{{Attempt: 1, Status: deployment.StageStatusSucceeded}}
	st.Advance()

	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx, st.PlanID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.CurrentStageIndex != 1 || got.Stages[0].Status != deployment.StageStatusSucceeded {
		t.Errorf("loaded cursor %d stage0 %s", got.CurrentStageIndex, got.Stages[0].Status)
	}
	if got.Plan.Fingerprint != st.Plan.Fingerprint {
		t.Error("plan fingerprint not preserved")
	}
}

func TestLoadNotFound(t *testing.T) {
	s, _ := newTestStore(t, "")
	if _, err := s.Load(context.Background(), "missing-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

var errCrash = errors.New("simulated crash")

// An interrupted save at any byte offset leaves the previous record intact.
func TestSaveCrashAtEveryOffset(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()

	v1 := testState(t, "crash")
	if err := s.Save(ctx, v1); err != nil {
		t.Fatal(err)
	}

	v2 := testState(t, "crash")
	v2.Stages[0].Status = deployment.StageStatusSucceeded
	v2.Advance()
	v2.UpdatedAt = s.now()
	data, err := encode(v2)
	if err != nil {
		t.Fatal(err)
	}

	for offset := 0; offset < len(data); offset++ {
		s.write = func(w io.Writer, b []byte) error {
			if _, err := w.Write(b[:offset]); err != nil {
				return err
			}
			return errCrash
		}
		if err := s.Save(ctx, v2); !engine.IsPersistenceError(err) {
			t.Fatalf("offset %d: Save() error = %v, want persistence error", offset, err)
		}
		got, err := s.Load(ctx, v1.PlanID)
		if err != nil {
			t.Fatalf("offset %d: Load() error = %v", offset, err)
		}
		if got.CurrentStageIndex != 0 {
			t.Fatalf("offset %d: record changed by interrupted save", offset)
		}
	}

	s.write = func(w io.Writer, b []byte) error {
		_, err := w.Write(b)
		return err
	}
	if err := s.Save(ctx, v2); err != nil {
		t.Fatalf("Save() after crashes = %v", err)
	}
	got, _ := s.Load(ctx, v1.PlanID)
	if got.CurrentStageIndex != 1 {
		t.Error("completed save not visible")
	}
}

// A record truncated in place is detected rather than loaded.
func TestLoadDetectsTruncation(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	st := testState(t, "trunc")
	if err := s.Save(ctx, st); err != nil {
		t.Fatal(err)
	}
	full, err := os.ReadFile(s.Path(st.PlanID))
	if err != nil {
		t.Fatal(err)
	}

	for offset := 0; offset < len(full); offset += 13 {
		if err := os.WriteFile(s.Path(st.PlanID), full[:offset], 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := s.Load(ctx, st.PlanID)
		var de *engine.DeployError
		if !errors.As(err, &de) || de.Code != engine.ErrCodeCorruptState {
			t.Fatalf("offset %d: Load() error = %v, want corrupt state", offset, err)
		}
	}
}

func TestLoadDetectsChecksumMismatch(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	st := testState(t, "tamper")
	if err := s.Save(ctx, st); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(s.Path(st.PlanID))
	tampered := strings.Replace(string(data), `"one.yml"`, `"evil.yml"`, 1)
	if tampered == string(data) {
		t.Fatal("fixture did not contain the fragment")
	}
	if err := os.WriteFile(s.Path(st.PlanID), []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(ctx, st.PlanID); !engine.IsPersistenceError(err) {
		t.Errorf("Load() error = %v, want persistence error", err)
	}
}

func TestConcurrentSaves(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	plans := []*deployment.State{testState(t, "alpha"), testState(t, "beta")}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, base := range plans {
			st, err := base.Clone()
			if err != nil {
				t.Fatal(err)
			}
			st.RunID = fmt.Sprintf("run-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Save(ctx, st); err != nil {
					t.Errorf("Save() error = %v", err)
				}
			}()
		}
	}
	wg.Wait()

	for _, base := range plans {
		got, err := s.Load(ctx, base.PlanID)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", base.PlanID, err)
		}
		if !strings.HasPrefix(got.RunID, "run-") {
			t.Errorf("RunID = %q", got.RunID)
		}
	}

	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	a, b := testState(t, "alpha"), testState(t, "beta")
	for _, st := range []*deployment.State{b, a} {
		if err := s.Save(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(filepath.Join(s.Dir(), "."+a.PlanID+".json.123.tmp"), []byte("{"), 0o644)
	_ = os.WriteFile(filepath.Join(s.Dir(), a.PlanID+".lock"), []byte("1"), 0o644)
	if _, err := s.Archive(ctx, a, ReasonCompleted); err != nil {
		t.Fatal(err)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != a.PlanID || ids[1] != b.PlanID {
		t.Errorf("List() = %v", ids)
	}
}

func TestResetArchivesBackup(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	st := testState(t, "reset")
	st.OverallStatus = deployment.StatusFailed
	if err := s.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	path, err := s.Reset(ctx, st.PlanID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !strings.HasSuffix(path, "-reset.json") || !strings.HasPrefix(filepath.Base(path), st.PlanID+"-") {
		t.Errorf("backup path = %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backup missing: %v", err)
	}
	if _, err := s.Load(ctx, st.PlanID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after reset = %v, want ErrNotFound", err)
	}

	if path, err := s.Reset(ctx, st.PlanID); err != nil || path != "" {
		t.Errorf("second Reset() = %q, %v", path, err)
	}
}

func TestResetCorruptRecord(t *testing.T) {
	s, _ := newTestStore(t, "")
	planID := deployment.PlanID("broken", "inventory")
	if err := os.WriteFile(s.Path(planID), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reset(context.Background(), planID); err != nil {
		t.Errorf("Reset() of corrupt record = %v", err)
	}
}

func TestArchiveLatest(t *testing.T) {
	s, clock := newTestStore(t, "")
	ctx := context.Background()
	st := testState(t, "done")

	st.RunID = "first"
	if _, err := s.Archive(ctx, st, ReasonCompleted); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	st.RunID = "second"
	if _, err := s.Archive(ctx, st, ReasonCompleted); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	st.RunID = "reset"
	if _, err := s.Archive(ctx, st, ReasonReset); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.LatestArchived(ctx, st.PlanID, ReasonCompleted)
	if err != nil {
		t.Fatalf("LatestArchived() error = %v", err)
	}
	if got.RunID != "second" {
		t.Errorf("RunID = %s, want second", got.RunID)
	}

	if _, _, err := s.LatestArchived(ctx, "other-000000000000", ReasonCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestArchived() for unknown plan = %v", err)
	}
}
