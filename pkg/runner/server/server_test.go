package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/engine/enginefake"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
)

func cmdLine(t *testing.T, id string, ct protocol.CommandType, timeout int, params interface{}) string {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(protocol.CommandMessage{ID: id, Type: ct, Timeout: timeout, Params: raw})
	if err != nil {
		t.Fatal(err)
	}
	line, err := json.Marshal(protocol.Message{Type: protocol.MessageTypeCommand, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	return string(line) + "\n"
}

func serve(t *testing.T, eng engine.Engine, input string) []protocol.Message {
	t.Helper()
	var out bytes.Buffer
	srv := New(eng, strings.NewReader(input), &out, Config{Name: "fake", Logger: zerolog.Nop()})
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var msgs []protocol.Message
	dec := protocol.NewDecoder(&out)
	for {
		msg, err := dec.Decode()
		if err != nil {
			break
		}
		msgs = append(msgs, *msg)
	}
	return msgs
}

func decodeData(t *testing.T, msg protocol.Message, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(msg.Data, v); err != nil {
		t.Fatalf("failed to decode %s data: %v", msg.Type, err)
	}
}

func TestServe_Session(t *testing.T) {
	fake := enginefake.New()
	fake.SetChanges("web", 3)
	fake.SetHostState("web1", engine.HostQuery{Facts: map[string]string{"os": "linux"}})

	input := cmdLine(t, "c1", protocol.CommandTypeExecute, 30, engine.ExecuteRequest{
		StageID: "web", Attempt: 1, Fragment: "site.sh", Hosts: []string{"web1", "web2"}, TimeoutSeconds: 30,
	}) + cmdLine(t, "c2", protocol.CommandTypeQuery, 30, engine.QueryRequest{
		Hosts: []string{"web1"}, FactKeys: []string{"os"},
	})

	msgs := serve(t, fake, input)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want READY, DONE, DONE, EXIT", len(msgs))
	}

	var ready protocol.ReadyMessage
	decodeData(t, msgs[0], &ready)
	if msgs[0].Type != protocol.MessageTypeReady || ready.Engine != "fake" || !ready.Supports(protocol.CommandTypeQuery) {
		t.Errorf("READY = %+v", ready)
	}

	var done protocol.DoneMessage
	decodeData(t, msgs[1], &done)
	var exec engine.ExecuteResult
	if err := json.Unmarshal(done.Result, &exec); err != nil {
		t.Fatal(err)
	}
	if done.CommandID != "c1" || exec.PerHost["web1"].ChangeCount != 3 || len(exec.PerHost) != 2 {
		t.Errorf("execute DONE = %+v, result %+v", done, exec)
	}

	decodeData(t, msgs[2], &done)
	var query engine.QueryResult
	if err := json.Unmarshal(done.Result, &query); err != nil {
		t.Fatal(err)
	}
	if done.CommandID != "c2" || query.PerHost["web1"].Facts["os"] != "linux" {
		t.Errorf("query DONE = %+v, result %+v", done, query)
	}

	var exit protocol.ExitMessage
	decodeData(t, msgs[3], &exit)
	if exit.Reason != ReasonStdinClosed || exit.CommandsTotal != 2 {
		t.Errorf("EXIT = %+v", exit)
	}
}

type failingEngine struct{ *enginefake.Engine }

func (failingEngine) Query(context.Context, engine.QueryRequest) (*engine.QueryResult, error) {
	return nil, fmt.Errorf("systemctl not found")
}

func TestServe_Errors(t *testing.T) {
	fake := enginefake.New()
	fake.Block("slow")

	input := "{not json\n" +
		`{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"c1","type":"exec","timeout":5,"params":{}}}` + "\n" +
		cmdLine(t, "c2", protocol.CommandTypeQuery, 5, engine.QueryRequest{Hosts: []string{"web1"}}) +
		cmdLine(t, "c3", protocol.CommandTypeExecute, 1, engine.ExecuteRequest{StageID: "slow", Hosts: []string{"web1"}})

	msgs := serve(t, &failingEngine{Engine: fake}, input)
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want READY, 4 ERRORs, EXIT", len(msgs))
	}

	want := []struct {
		id   string
		code string
	}{
		{"", protocol.CodeBadCommand},
		{"c1", protocol.CodeUnsupported},
		{"c2", protocol.CodeFailed},
		{"c3", protocol.CodeTimeout},
	}
	for i, w := range want {
		msg := msgs[i+1]
		if msg.Type != protocol.MessageTypeError {
			t.Fatalf("message %d type = %s, want ERROR", i+1, msg.Type)
		}
		var em protocol.ErrorMessage
		decodeData(t, msg, &em)
		if em.CommandID != w.id || em.Code != w.code {
			t.Errorf("ERROR %d = %+v, want id %q code %s", i, em, w.id, w.code)
		}
	}

	var exit protocol.ExitMessage
	decodeData(t, msgs[5], &exit)
	if exit.CommandsTotal != 2 {
		t.Errorf("CommandsTotal = %d, want 2 dispatched commands", exit.CommandsTotal)
	}
}

type emittingEngine struct{ *enginefake.Engine }

func (e *emittingEngine) Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	for _, h := range req.Hosts {
		protocol.Emit(ctx, h, "info", "applied "+req.Fragment)
	}
	return e.Engine.Execute(ctx, req)
}

func TestServe_Events(t *testing.T) {
	eng := &emittingEngine{Engine: enginefake.New()}
	msgs := serve(t, eng, cmdLine(t, "c1", protocol.CommandTypeExecute, 5, engine.ExecuteRequest{
		StageID: "web", Fragment: "site.sh", Hosts: []string{"web1", "web2"},
	}))

	var events []protocol.EventMessage
	for _, msg := range msgs {
		if msg.Type == protocol.MessageTypeEvent {
			var evt protocol.EventMessage
			decodeData(t, msg, &evt)
			events = append(events, evt)
		}
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, evt := range events {
		if evt.CommandID != "c1" || evt.Message != "applied site.sh" {
			t.Errorf("event = %+v", evt)
		}
	}
	if msgs[len(msgs)-2].Type != protocol.MessageTypeDone {
		t.Errorf("events must precede DONE, got %s last", msgs[len(msgs)-2].Type)
	}
}

func TestServe_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	srv := New(enginefake.New(), blockingReader{}, &out, Config{Logger: zerolog.Nop()})
	if err := srv.Serve(ctx); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if !strings.Contains(out.String(), `"reason":"cancelled"`) {
		t.Errorf("output = %s, want a cancelled EXIT", out.String())
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }
