// Package engine defines the boundary between rollout and the external
// configuration-management execution engine, together with the inventory
// model and the error taxonomy shared by every other package.
//
// # Engine boundary
//
// The execution engine is an opaque collaborator reached through two calls:
//
//	type Engine interface {
//	    Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
//	    Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
//	}
//
// Execute is the only mutating invocation. Query is read-only and feeds the
// snapshot capturer. The runner/client package implements Engine over a
// subprocess speaking the JSON-lines protocol; enginefake provides a scripted
// implementation for tests.
//
// # Inventory
//
// An Inventory groups hosts by name. A TargetSelector picks a group (or
// "all") and optionally filters by tags; Resolve returns the matched host IDs
// sorted, so every engine invocation sees hosts in a stable order.
//
// # Errors
//
// DeployError classifies failures into configuration, execution,
// persistence, partial_snapshot and conflict kinds. Fatal kinds stop the
// orchestrator; execution failures are retried by the stage executor;
// partial snapshot warnings are recorded next to reports.
package engine
