// Package deployment defines deployment plans, their persisted state and the
// stage executor that applies one stage through the engine with retries.
//
// A Plan is an ordered list of stages bound to one inventory. Its State holds
// one StageExecutionRecord per stage and a cursor at the first stage that is
// neither succeeded nor skipped. Executor.Execute never persists; callers do
// that from the OnAttempt hook and the returned record.
package deployment
