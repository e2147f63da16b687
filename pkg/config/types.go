package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/snapshot"
)

// Plan config formats.
const (
	FormatYAML     = "yaml"
	FormatCUE      = "cue"
	FormatStarlark = "starlark"
)

// PlanConfig is a deployment plan as written by the operator, before it is
// bound to an inventory.
type PlanConfig struct {
	Name        string `json:"name" yaml:"name" validate:"required,max=128"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Snapshots declares what pre and post snapshots collect. Omit it to
	// disable snapshotting.
	Snapshots *snapshot.Spec `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`

	Stages []deployment.Stage `json:"stages" yaml:"stages" validate:"required,min=1,dive"`

	// Source is the file the plan was loaded from.
	Source string `json:"-" yaml:"-"`

	// Format is one of FormatYAML, FormatCUE or FormatStarlark.
	Format string `json:"-" yaml:"-"`
}

// Plan binds the config to an inventory, deriving the plan identity.
func (pc *PlanConfig) Plan(inv *engine.Inventory, now time.Time) (*deployment.Plan, error) {
	inventoryID := inv.Identity()
	if inventoryID == "" {
		return nil, engine.NewConfigurationError("inventory has no identity: set a name or load it from a file", nil)
	}
	for _, st := range pc.Stages {
		if st.Target.Group == engine.GroupAll {
			continue
		}
		if _, ok := inv.Groups[st.Target.Group]; !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("stage targets unknown host group %q", st.Target.Group), nil).
				WithStage(st.ID)
		}
	}
	stages := make([]deployment.Stage, len(pc.Stages))
	copy(stages, pc.Stages)
	return deployment.NewPlan(pc.Name, inventoryID, stages, pc.Snapshots, now)
}

// ValidationError is a single problem found while decoding or validating a
// plan config.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	loc := ve.File
	if ve.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
	}
	switch {
	case loc != "" && ve.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, ve.Path, ve.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, ve.Message)
	case ve.Path != "":
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	default:
		return ve.Message
	}
}

// ValidationErrors collects every problem found in one plan config.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	switch len(ve) {
	case 0:
		return "no validation errors"
	case 1:
		return ve[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors: %s", len(ve), ve[0].Error())
	for _, e := range ve[1:] {
		msg += "; " + e.Error()
	}
	return msg
}
