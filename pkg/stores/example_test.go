package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/rollout/pkg/snapshot"
	"github.com/openfroyo/rollout/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated in-memory store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveSnapshot stores a baseline and reads it back by ID.
func ExampleSQLiteStore_SaveSnapshot() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	id, err := store.SaveSnapshot(ctx, &snapshot.Snapshot{
		PlanID:  "site-0123456789ab",
		Label:   snapshot.LabelBaseline,
		TakenAt: time.Now(),
		Hosts: map[string]snapshot.HostState{
			"web1": {ServiceStatuses: map[string]string{"nginx": "running"}},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	snap, err := store.GetSnapshot(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(snap.ID, snap.Label, snap.Hosts["web1"].ServiceStatuses["nginx"])
	// Output: 1 baseline running
}

// ExampleSQLiteStore_SaveReport records a report for a run.
func ExampleSQLiteStore_SaveReport() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	_ = store.StartRun(ctx, "run-001", "site-0123456789ab", "fresh")
	_, _ = store.SaveReport(ctx, "run-001", stores.ReportKindConsistency, "web",
		map[string]interface{}{"consistent": true})
	_ = store.FinishRun(ctx, "run-001", "completed", "")

	reports, _ := store.ListReports(ctx, "run-001")
	run, _ := store.GetRun(ctx, "run-001")
	fmt.Println(len(reports), reports[0].Kind, run.Status)
	// Output: 1 consistency completed
}
