package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/telemetry"
)

// Example_logger builds the process logger and tags it with stage identity.
func Example_logger() {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
	if err != nil {
		panic(err)
	}
	logger = telemetry.ForStage(logger, "web-1a2b", "canary")
	logger.Warn().Int("failed_hosts", 1).Msg("stage retrying")

	fmt.Println(logger.GetLevel())
	// Output: warn
}

// Example_events demonstrates subscribing to stage events.
func Example_events() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.StageID, e.Level)
	}, telemetry.FilterByType(telemetry.EventTypeStageFailed, telemetry.EventTypeStageRetrying))

	_ = events.PublishStage(telemetry.EventTypeStageStarted, "web-1a2b", "run-1", "canary", "started", nil)
	_ = events.PublishStage(telemetry.EventTypeStageRetrying, "web-1a2b", "run-1", "canary", "retrying", nil)
	_ = events.PublishStage(telemetry.EventTypeStageFailed, "web-1a2b", "run-1", "canary", "failed", nil)
	_ = events.PublishDeployFinished("web-1a2b", "run-1", "failed", "stage canary failed", time.Second)

	// Output:
	// stage.retrying canary warning
	// stage.failed canary error
}

// Example_contextLogger shows identity fields travelling with ctx.
func Example_contextLogger() {
	logger := zerolog.New(os.Stdout)
	ctx := logger.With().Str(telemetry.FieldRunID, "run-1").Logger().WithContext(context.Background())

	component := telemetry.Component(telemetry.LoggerFrom(ctx, zerolog.Nop()), "executor")
	component.Info().Msg("stage started")
	fallback := telemetry.LoggerFrom(context.Background(), logger)
	fallback.Info().Msg("fallback")
	// Output:
	// {"level":"info","run_id":"run-1","component":"executor","message":"stage started"}
	// {"level":"info","message":"fallback"}
}
