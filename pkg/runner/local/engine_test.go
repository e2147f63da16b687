package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
)

type staticFacts map[string]string

func (f staticFacts) Facts(context.Context) (map[string]string, error) { return f, nil }

type staticServices map[string]string

func (s staticServices) State(_ context.Context, name string) (string, error) {
	if state, ok := s[name]; ok {
		return state, nil
	}
	return "inactive", nil
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	eng := New(Config{
		FragmentDir: dir,
		Facts:       staticFacts{"os": "linux", "cpu_count": "4"},
		Services:    staticServices{"nginx": "active"},
		Logger:      zerolog.Nop(),
	})
	return eng, dir
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExecute_CountsChanges(t *testing.T) {
	eng, dir := newTestEngine(t)
	writeScript(t, dir, "web.sh", `echo "CHANGED /etc/nginx/nginx.conf"
echo "nothing to see"
if [ "$ROLLOUT_HOST" = "web2" ]; then echo "CHANGED package nginx"; fi
`)

	res, err := eng.Execute(context.Background(), engine.ExecuteRequest{
		StageID:     "web",
		Attempt:     1,
		Fragment:    "web.sh",
		Hosts:       []string{"web1", "web2"},
		Parallelism: 2,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SystemicError != "" {
		t.Fatalf("unexpected systemic error %q", res.SystemicError)
	}

	tests := []struct {
		host    string
		changes int
	}{
		{"web1", 1},
		{"web2", 2},
	}
	for _, tt := range tests {
		hr, ok := res.PerHost[tt.host]
		if !ok {
			t.Fatalf("no result for %s", tt.host)
		}
		if hr.Failed {
			t.Errorf("%s failed: %s", tt.host, hr.ErrorMessage)
		}
		if hr.ChangeCount != tt.changes || !hr.Changed {
			t.Errorf("%s: changes = %d (changed %v), want %d", tt.host, hr.ChangeCount, hr.Changed, tt.changes)
		}
	}

	var report struct {
		Stage string `json:"stage"`
		Hosts map[string]struct {
			Changed []string `json:"changed"`
		} `json:"hosts"`
	}
	if err := json.Unmarshal(res.ChangeReport, &report); err != nil {
		t.Fatalf("change report: %v", err)
	}
	if report.Stage != "web" || report.Hosts["web1"].Changed[0] != "/etc/nginx/nginx.conf" {
		t.Errorf("unexpected report %s", res.ChangeReport)
	}
}

func TestExecute_Environment(t *testing.T) {
	eng, dir := newTestEngine(t)
	out := filepath.Join(dir, "env.out")
	writeScript(t, dir, "env.sh", `echo "$ROLLOUT_HOST $ROLLOUT_STAGE $ROLLOUT_ATTEMPT $ROLLOUT_TAGS $ROLLOUT_VAR_LISTEN_PORT" > `+out+"\n")

	_, err := eng.Execute(context.Background(), engine.ExecuteRequest{
		StageID:  "db",
		Attempt:  3,
		Fragment: "env.sh",
		Hosts:    []string{"db1"},
		Tags:     []string{"primary", "eu"},
		Vars:     map[string]string{"listen-port": "5432"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(data)), "db1 db 3 primary,eu 5432"; got != want {
		t.Errorf("env = %q, want %q", got, want)
	}
}

func TestExecute_HostFailure(t *testing.T) {
	eng, dir := newTestEngine(t)
	writeScript(t, dir, "fail.sh", `if [ "$ROLLOUT_HOST" = "bad" ]; then
  echo "CHANGED half-applied"
  echo "disk full" >&2
  exit 3
fi
`)

	res, err := eng.Execute(context.Background(), engine.ExecuteRequest{
		StageID:  "s",
		Fragment: "fail.sh",
		Hosts:    []string{"good", "bad"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PerHost["good"].Failed {
		t.Error("good host failed")
	}
	bad := res.PerHost["bad"]
	if !bad.Failed {
		t.Fatal("bad host did not fail")
	}
	if !strings.Contains(bad.ErrorMessage, "disk full") {
		t.Errorf("error message %q does not carry stderr", bad.ErrorMessage)
	}
	if bad.ChangeCount != 1 {
		t.Errorf("ChangeCount = %d, want 1", bad.ChangeCount)
	}
}

func TestExecute_MissingFragment(t *testing.T) {
	eng, _ := newTestEngine(t)
	res, err := eng.Execute(context.Background(), engine.ExecuteRequest{
		StageID:  "s",
		Fragment: "nope.sh",
		Hosts:    []string{"h1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SystemicError == "" {
		t.Error("expected a systemic error")
	}
	if len(res.PerHost) != 0 {
		t.Errorf("PerHost = %v, want empty", res.PerHost)
	}
}

func TestExecute_StageTimeout(t *testing.T) {
	eng, dir := newTestEngine(t)
	writeScript(t, dir, "slow.sh", "sleep 5\n")

	res, err := eng.Execute(context.Background(), engine.ExecuteRequest{
		StageID:        "s",
		Fragment:       "slow.sh",
		Hosts:          []string{"h1"},
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	hr := res.PerHost["h1"]
	if !hr.Failed || !strings.Contains(hr.ErrorMessage, "timed out") {
		t.Errorf("got %+v, want a timed out failure", hr)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	eng, dir := newTestEngine(t)
	writeScript(t, dir, "ok.sh", "true\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Execute(ctx, engine.ExecuteRequest{Fragment: "ok.sh", Hosts: []string{"h1"}}); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecute_EmitsEvents(t *testing.T) {
	eng, dir := newTestEngine(t)
	writeScript(t, dir, "ok.sh", "echo CHANGED x\n")

	var (
		mu     sync.Mutex
		events []*protocol.EventMessage
	)
	ctx := protocol.WithEventSink(context.Background(), func(ev *protocol.EventMessage) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if _, err := eng.Execute(ctx, engine.ExecuteRequest{Fragment: "ok.sh", Hosts: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Level != "info" || ev.Host == "" {
			t.Errorf("unexpected event %+v", ev)
		}
	}
}

func TestQuery(t *testing.T) {
	eng, dir := newTestEngine(t)
	conf := filepath.Join(dir, "app.conf")
	writeScript(t, dir, "app.conf", "listen 80\n")

	res, err := eng.Query(context.Background(), engine.QueryRequest{
		Hosts:        []string{"web1", "web2"},
		FactKeys:     []string{"os", "missing"},
		TrackedPaths: []string{conf, filepath.Join(dir, "gone.conf")},
		ServiceNames: []string{"nginx", "redis"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Unreachable) != 0 {
		t.Errorf("Unreachable = %v", res.Unreachable)
	}

	for _, host := range []string{"web1", "web2"} {
		hq := res.PerHost[host]
		if hq.Facts["os"] != "linux" {
			t.Errorf("%s: os = %q", host, hq.Facts["os"])
		}
		if _, ok := hq.Facts["cpu_count"]; ok {
			t.Errorf("%s: unrequested fact reported", host)
		}
		if v, ok := hq.Facts["missing"]; !ok || v != "" {
			t.Errorf("%s: missing fact = %q, %v", host, v, ok)
		}
		if got := hq.FileHashes[conf]; len(got) != 64 {
			t.Errorf("%s: hash = %q", host, got)
		}
		if got := hq.FileHashes[filepath.Join(dir, "gone.conf")]; got != AbsentHash {
			t.Errorf("%s: absent hash = %q", host, got)
		}
		if hq.ServiceStates["nginx"] != "active" || hq.ServiceStates["redis"] != "inactive" {
			t.Errorf("%s: services = %v", host, hq.ServiceStates)
		}
	}
}

func TestQuery_AllFacts(t *testing.T) {
	eng, _ := newTestEngine(t)
	res, err := eng.Query(context.Background(), engine.QueryRequest{Hosts: []string{"h"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(res.PerHost["h"].Facts); got != 2 {
		t.Errorf("got %d facts, want 2", got)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := HashFile(path); got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
	if got := HashFile(dir); !strings.HasPrefix(got, "error: ") {
		t.Errorf("HashFile(dir) = %s, want an error", got)
	}
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"port":        "PORT",
		"listen-port": "LISTEN_PORT",
		"a.b9":        "A_B9",
	}
	for in, want := range tests {
		if got := envName(in); got != want {
			t.Errorf("envName(%q) = %q, want %q", in, got, want)
		}
	}
}
