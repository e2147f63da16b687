// Package enginefake provides a scripted engine.Engine for tests.
package enginefake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/rollout/pkg/engine"
)

// Engine is an in-memory engine whose results are scripted per stage and host.
// It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	hostFailures map[string]map[string]int
	systemic     map[string]systemicFailure
	changes      map[string][]int
	blocked      map[string]bool
	mutations    map[string]func(host string, state *engine.HostQuery)

	hostState   map[string]engine.HostQuery
	unreachable map[string]bool

	calls   []engine.ExecuteRequest
	queries []engine.QueryRequest
}

type systemicFailure struct {
	message   string
	remaining int
}

// New creates an engine where every host succeeds without changes.
func New() *Engine {
	return &Engine{
		hostFailures: make(map[string]map[string]int),
		systemic:     make(map[string]systemicFailure),
		changes:      make(map[string][]int),
		blocked:      make(map[string]bool),
		mutations:    make(map[string]func(string, *engine.HostQuery)),
		hostState:    make(map[string]engine.HostQuery),
		unreachable:  make(map[string]bool),
	}
}

// FailHost makes host fail the next times invocations of stageID.
// A negative count fails every invocation.
func (e *Engine) FailHost(stageID, host string, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hostFailures[stageID] == nil {
		e.hostFailures[stageID] = make(map[string]int)
	}
	e.hostFailures[stageID][host] = times
}

// FailSystemic makes the next times invocations of stageID report a systemic
// error. A negative count fails every invocation.
func (e *Engine) FailSystemic(stageID, message string, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.systemic[stageID] = systemicFailure{message: message, remaining: times}
}

// SetChanges scripts the change count reported by successive invocations of
// stageID. Changes are attributed to the first targeted host.
func (e *Engine) SetChanges(stageID string, perInvocation ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes[stageID] = perInvocation
}

// Block makes invocations of stageID wait until their context is done.
func (e *Engine) Block(stageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked[stageID] = true
}

// Unblock reverts Block.
func (e *Engine) Unblock(stageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blocked, stageID)
}

// OnExecute registers a mutation applied to each targeted host's state after
// a successful invocation of stageID.
func (e *Engine) OnExecute(stageID string, fn func(host string, state *engine.HostQuery)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mutations[stageID] = fn
}

// SetHostState sets the state returned by Query for host.
func (e *Engine) SetHostState(host string, state engine.HostQuery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostState[host] = cloneQuery(state)
}

// SetUnreachable marks host unreachable for Query.
func (e *Engine) SetUnreachable(host string, unreachable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreachable[host] = unreachable
}

// Calls returns every Execute request received, in order.
func (e *Engine) Calls() []engine.ExecuteRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.ExecuteRequest(nil), e.calls...)
}

// CallsFor returns the Execute requests received for stageID.
func (e *Engine) CallsFor(stageID string) []engine.ExecuteRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.ExecuteRequest, 0)
	for _, c := range e.calls {
		if c.StageID == stageID {
			out = append(out, c)
		}
	}
	return out
}

// Queries returns every Query request received, in order.
func (e *Engine) Queries() []engine.QueryRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.QueryRequest(nil), e.queries...)
}

// Execute implements engine.Engine.
func (e *Engine) Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	e.mu.Lock()
	invocation := 0
	for _, c := range e.calls {
		if c.StageID == req.StageID {
			invocation++
		}
	}
	e.calls = append(e.calls, req)
	blocked := e.blocked[req.StageID]
	e.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sf, ok := e.systemic[req.StageID]; ok && sf.remaining != 0 {
		if sf.remaining > 0 {
			sf.remaining--
			e.systemic[req.StageID] = sf
		}
		return &engine.ExecuteResult{
			PerHost:       map[string]engine.HostResult{},
			SystemicError: sf.message,
		}, nil
	}

	changeCount := 0
	if counts := e.changes[req.StageID]; invocation < len(counts) {
		changeCount = counts[invocation]
	}

	result := &engine.ExecuteResult{PerHost: make(map[string]engine.HostResult, len(req.Hosts))}
	hosts := append([]string(nil), req.Hosts...)
	sort.Strings(hosts)
	for i, host := range hosts {
		hr := engine.HostResult{}
		if remaining, ok := e.hostFailures[req.StageID][host]; ok && remaining != 0 {
			if remaining > 0 {
				e.hostFailures[req.StageID][host] = remaining - 1
			}
			hr.Failed = true
			hr.ErrorMessage = fmt.Sprintf("stage %s failed on %s", req.StageID, host)
		} else if mutate := e.mutations[req.StageID]; mutate != nil {
			state := cloneQuery(e.hostState[host])
			mutate(host, &state)
			e.hostState[host] = state
		}
		if i == 0 && changeCount > 0 {
			hr.Changed = true
			hr.ChangeCount = changeCount
		}
		result.PerHost[host] = hr
	}
	return result, nil
}

// Query implements engine.Engine.
func (e *Engine) Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries = append(e.queries, req)

	result := &engine.QueryResult{PerHost: make(map[string]engine.HostQuery)}
	for _, host := range req.Hosts {
		if e.unreachable[host] {
			result.Unreachable = append(result.Unreachable, host)
			continue
		}
		state := e.hostState[host]
		result.PerHost[host] = engine.HostQuery{
			Facts:         pick(state.Facts, req.FactKeys),
			FileHashes:    pick(state.FileHashes, req.TrackedPaths),
			ServiceStates: pick(state.ServiceStates, req.ServiceNames),
		}
	}
	return result, nil
}

// pick returns the entries of m named in keys, or all of m when keys is empty.
func pick(m map[string]string, keys []string) map[string]string {
	out := make(map[string]string)
	if len(keys) == 0 {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

func cloneQuery(q engine.HostQuery) engine.HostQuery {
	return engine.HostQuery{
		Facts:         pick(q.Facts, nil),
		FileHashes:    pick(q.FileHashes, nil),
		ServiceStates: pick(q.ServiceStates, nil),
	}
}
