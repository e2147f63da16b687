// Package telemetry provides observability instrumentation for rollout.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and deployment lifecycle events.
//
// # Usage
//
// Initialize telemetry at command startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// NewLogger builds a plain zerolog.Logger from the logging settings; every
// package takes that type. Component and ForStage attach the shared field
// names:
//
//	logger := telemetry.ForStage(telemetry.Component(tel.Logger, "executor"), planID, "web")
//	logger.Info().Int("attempt", 1).Msg("stage started")
//
// Logs go to stderr by default so command output on stdout stays parseable.
//
// The CLI stores the logger in the command context with WithContext. The
// orchestrator narrows it with run, plan and stage fields and the executor
// and snapshot capturer pick it up with LoggerFrom, so every line logged
// for a stage carries the same identity.
//
// # Tracing
//
// A deployment produces a deploy.run span with one stage.execute child per
// stage and one stage.attempt child per engine invocation. Snapshots get
// snapshot.capture spans.
//
// # Metrics
//
// Metrics live in a private registry. Besides the optional HTTP endpoint
// (metrics.listen_address), Shutdown writes the registry to
// metrics.textfile_path and pushes it to metrics.pushgateway_url when set,
// because a single CLI run usually ends before a scraper sees it.
//
// # Events
//
// The EventPublisher delivers deploy.*, stage.*, drift.detected and
// guardrail.violation events to subscribers. The artifact store subscribes
// to persist an event log per run. Synchronous delivery is the default and
// preserves publish order.
package telemetry
