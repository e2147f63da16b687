package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rollout/pkg/engine"
)

// Loader reads plan configs and inventories.
type Loader struct {
	cue       *CUEParser
	starlark  *StarlarkPlanParser
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewLoader creates a loader. Starlark scripts get scriptTimeout to run.
func NewLoader(scriptTimeout time.Duration, logger zerolog.Logger) *Loader {
	return &Loader{
		cue:       NewCUEParser(),
		starlark:  NewStarlarkPlanParser(NewStarlarkEvaluator(scriptTimeout, logger)),
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With().Str("component", "config").Logger(),
	}
}

// FormatOf returns the plan config format implied by the file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported plan config extension %q", filepath.Ext(path))
	}
}

// LoadPlan reads, decodes and validates the plan config at path. Every
// failure other than a context error is a configuration error.
func (l *Loader) LoadPlan(ctx context.Context, path string) (*PlanConfig, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, engine.NewConfigurationError(err.Error(), nil).WithDetail("path", path)
	}

	var pc *PlanConfig
	switch format {
	case FormatYAML:
		pc, err = l.parseYAML(path)
	case FormatCUE:
		pc, err = l.cue.ParseFile(ctx, path)
	case FormatStarlark:
		pc, err = l.starlark.ParseFile(ctx, path)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to load plan config %s", path), err).
			WithDetail("format", format)
	}

	if err := l.Validate(pc); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid plan config %s", path), err).
			WithDetail("format", format)
	}

	l.logger.Debug().
		Str("path", path).
		Str("format", format).
		Str("plan", pc.Name).
		Int("stages", len(pc.Stages)).
		Msg("plan config loaded")
	return pc, nil
}

// Validate checks pc against its struct tags.
func (l *Loader) Validate(pc *PlanConfig) error {
	err := l.validator.Struct(pc)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			File:    pc.Source,
			Path:    strings.TrimPrefix(fe.Namespace(), "PlanConfig."),
			Message: validationMessage(fe),
		})
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func (l *Loader) parseYAML(path string) (*PlanConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pc PlanConfig
	if err := dec.Decode(&pc); err != nil {
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	pc.Source = path
	pc.Format = FormatYAML
	return &pc, nil
}

// LoadInventory reads a YAML inventory. Host IDs are taken from the map
// keys and the source path is recorded for the inventory identity.
func LoadInventory(path string) (*engine.Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read inventory %s", path), err)
	}

	var inv engine.Inventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse inventory %s", path), err)
	}
	inv.Source = path

	for _, group := range inv.Groups {
		if group == nil {
			continue
		}
		for id, host := range group.Hosts {
			if host == nil {
				host = &engine.Host{}
				group.Hosts[id] = host
			}
			host.ID = id
		}
	}

	if err := inv.Validate(); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid inventory %s", path), err)
	}
	return &inv, nil
}
