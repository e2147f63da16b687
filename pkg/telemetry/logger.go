package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared by every rollout log line.
const (
	FieldComponent = "component"
	FieldPlanID    = "plan_id"
	FieldStageID   = "stage_id"
	FieldRunID     = "run_id"
	FieldHost      = "host"
)

// NewLogger builds the process logger from cfg. An output other than
// stdout or stderr is opened as an append-only file.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	w, err := logWriter(cfg.Output)
	if err != nil {
		return zerolog.Nop(), err
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return zctx.Logger(), nil
}

func logWriter(output string) (io.Writer, error) {
	switch output {
	case "stderr", "":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, nil
}

// ParseLevel accepts zerolog level names. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// ForStage returns a child logger carrying plan and stage identity. Empty
// values are left out.
func ForStage(l zerolog.Logger, planID, stageID string) zerolog.Logger {
	zctx := l.With()
	if planID != "" {
		zctx = zctx.Str(FieldPlanID, planID)
	}
	if stageID != "" {
		zctx = zctx.Str(FieldStageID, stageID)
	}
	return zctx.Logger()
}
