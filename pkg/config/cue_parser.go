package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// PlanField is the top-level field a CUE plan config defines.
const PlanField = "plan"

// CUEParser parses CUE plan configs.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
	}
}

// ParseFile parses the CUE file at path.
func (cp *CUEParser) ParseFile(ctx context.Context, path string) (*PlanConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan config: %w", err)
	}
	return cp.Parse(ctx, path, content)
}

// Parse compiles src, unifies its plan field with #Plan and decodes it.
// Schema violations are returned as ValidationErrors.
func (cp *CUEParser) Parse(ctx context.Context, filename string, src []byte) (*PlanConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	planVal := val.LookupPath(cue.ParsePath(PlanField))
	if !planVal.Exists() {
		return nil, ValidationErrors{{File: filename, Message: fmt.Sprintf("no %q field defined", PlanField)}}
	}

	schema, err := cp.schemaRegistry.Definition("plan", "#Plan")
	if err != nil {
		return nil, err
	}
	unified := schema.Unify(planVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	var pc PlanConfig
	if err := unified.Decode(&pc); err != nil {
		return nil, ValidationErrors{{File: filename, Path: PlanField, Message: fmt.Sprintf("failed to decode plan: %v", err)}}
	}
	pc.Source = filename
	pc.Format = FormatCUE
	return &pc, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message: cueerrors.Details(e, nil),
			Path:    pathString(e.Path()),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ve)
	}
	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

func pathString(parts []string) string {
	return strings.Join(parts, ".")
}
