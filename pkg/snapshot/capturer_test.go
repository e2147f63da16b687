package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/engine/enginefake"
)

func newFakeWithHosts() *enginefake.Engine {
	fake := enginefake.New()
	fake.SetHostState("web1", engine.HostQuery{
		Facts:         map[string]string{"kernel": "6.1", "distribution": "debian"},
		FileHashes:    map[string]string{"/etc/nginx/nginx.conf": "aaa"},
		ServiceStates: map[string]string{"nginx": "running"},
	})
	fake.SetHostState("web2", engine.HostQuery{
		Facts:         map[string]string{"kernel": "6.1", "distribution": "debian"},
		FileHashes:    map[string]string{"/etc/nginx/nginx.conf": "aaa"},
		ServiceStates: map[string]string{"nginx": "stopped"},
	})
	return fake
}

func TestCapture(t *testing.T) {
	fake := newFakeWithHosts()
	c := NewCapturer(fake, zerolog.Nop())

	snap, err := c.Capture(context.Background(), []string{"web2", "web1"}, LabelPre, Spec{
		FactKeys:     []string{"kernel"},
		TrackedPaths: []string{"/etc/nginx/nginx.conf"},
		Services:     []string{"nginx"},
	})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if snap.Label != LabelPre {
		t.Errorf("Label = %s, want %s", snap.Label, LabelPre)
	}
	if len(snap.Hosts) != 2 {
		t.Fatalf("captured %d hosts, want 2", len(snap.Hosts))
	}
	if snap.Partial() {
		t.Error("snapshot should not be partial")
	}
	if got := snap.Hosts["web2"].ServiceStatuses["nginx"]; got != "stopped" {
		t.Errorf("web2 nginx = %q, want stopped", got)
	}
	if got := snap.Hosts["web1"].Facts; len(got) != 1 || got["kernel"] != "6.1" {
		t.Errorf("web1 facts = %v, want only kernel", got)
	}
	if snap.Hosts["web1"].FactHash != HashFacts(map[string]string{"kernel": "6.1"}) {
		t.Error("fact hash does not match requested facts")
	}
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("capture invoked Execute %d times", len(calls))
	}
}

func TestCapturePartial(t *testing.T) {
	fake := newFakeWithHosts()
	fake.SetUnreachable("web2", true)
	c := NewCapturer(fake, zerolog.Nop())

	snap, err := c.Capture(context.Background(), []string{"web1", "web2"}, LabelPost, Spec{})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if _, ok := snap.Hosts["web2"]; ok {
		t.Error("unreachable host should be omitted")
	}
	if _, ok := snap.Hosts["web1"]; !ok {
		t.Error("reachable host should be captured")
	}
	if len(snap.Unreachable) != 1 || snap.Unreachable[0] != "web2" {
		t.Errorf("Unreachable = %v, want [web2]", snap.Unreachable)
	}
	if len(snap.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", snap.Warnings)
	}
	if !engine.IsPartialSnapshotWarning(snap.Warning()) {
		t.Errorf("Warning() = %v, want partial snapshot warning", snap.Warning())
	}
}

type failingEngine struct{}

func (*failingEngine) Execute(context.Context, engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	return nil, errors.New("engine binary not found")
}

func (*failingEngine) Query(context.Context, engine.QueryRequest) (*engine.QueryResult, error) {
	return nil, errors.New("engine binary not found")
}

func TestCaptureQueryFailure(t *testing.T) {
	c := NewCapturer(&failingEngine{}, zerolog.Nop())
	if _, err := c.Capture(context.Background(), []string{"web1"}, LabelPre, Spec{}); err == nil {
		t.Fatal("expected error when query cannot run")
	}
}

type silentEngine struct{}

func (*silentEngine) Execute(context.Context, engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	return nil, nil
}

func (*silentEngine) Query(context.Context, engine.QueryRequest) (*engine.QueryResult, error) {
	return nil, nil
}

func TestCaptureEmptyQueryResult(t *testing.T) {
	c := NewCapturer(&silentEngine{}, zerolog.Nop())
	snap, err := c.Capture(context.Background(), []string{"web2", "web1"}, LabelPost, Spec{})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(snap.Hosts) != 0 || len(snap.Unreachable) != 2 || snap.Unreachable[0] != "web1" {
		t.Errorf("hosts = %v, unreachable = %v, want every host unreachable", snap.Hosts, snap.Unreachable)
	}
	if !snap.Partial() {
		t.Error("snapshot with no hosts answered should be partial")
	}
}

func TestSnapshotSubset(t *testing.T) {
	snap := &Snapshot{
		ID:          7,
		Label:       LabelPre,
		Hosts:       map[string]HostState{"web1": {FactHash: "a"}, "web2": {FactHash: "b"}},
		Unreachable: []string{"db1", "web3"},
	}
	sub := snap.Subset([]string{"web2", "web3"})
	if sub.ID != 7 || len(sub.Hosts) != 1 || sub.Hosts["web2"].FactHash != "b" {
		t.Errorf("Subset() = %+v", sub)
	}
	if len(sub.Unreachable) != 1 || sub.Unreachable[0] != "web3" {
		t.Errorf("Subset() unreachable = %v, want [web3]", sub.Unreachable)
	}
	if len(snap.Hosts) != 2 {
		t.Error("Subset() modified the original")
	}
}

func TestCaptureRequiresLabel(t *testing.T) {
	c := NewCapturer(enginefake.New(), zerolog.Nop())
	_, err := c.Capture(context.Background(), []string{"web1"}, "", Spec{})
	if !engine.IsConfigurationError(err) {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestHashFactsOrderIndependent(t *testing.T) {
	a := HashFacts(map[string]string{"a": "1", "b": "2"})
	b := HashFacts(map[string]string{"b": "2", "a": "1"})
	if a != b {
		t.Error("hash depends on map order")
	}
	if a == HashFacts(map[string]string{"a": "1", "b": "3"}) {
		t.Error("hash did not change with a value")
	}
}
