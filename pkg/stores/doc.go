// Package stores provides the run-scoped artifact store for rollout.
// It is SQLite-based (WAL mode, embedded migrations) and keeps the runs,
// snapshots, reports and events produced by deployments. Artifacts are
// append-only: a snapshot or report is never updated once written, and
// its autoincrement ID plus its label identify it.
package stores
