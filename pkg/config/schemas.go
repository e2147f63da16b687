package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE schemas plan configs are unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("plan", builtinPlanSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns the named definition of a registered schema, such as
// #Plan of the plan schema.
func (sr *SchemaRegistry) Definition(schemaName, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	v := schema.LookupPath(cue.ParsePath(def))
	if !v.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition %s", schemaName, def)
	}
	return v, nil
}

// ValidateAgainstSchema encodes data and checks it against def of the
// named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName, def string, data interface{}) error {
	schema, err := sr.Definition(schemaName, def)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

const builtinPlanSchema = `
#Target: {
	group: string & !=""
	tags?: [...string]
}

#Retry: {
	max_attempts:     int & >=1 & <=100
	backoff_seconds?: int & >=0 & <=3600
}

#Stage: {
	id:           string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	description?: string
	fragment:     string & !=""
	target:       #Target
	retry?:       #Retry

	best_effort?:       bool
	failure_threshold?: number & >=0 & <=1
	timeout_seconds?:   int & >=0

	pre_commands?:     [...string]
	consistency_gate?: bool
	host_scoped_keys?: [...string]
	vars?: {[string]: string}
}

#Snapshots: {
	facts?:         [...string]
	tracked_paths?: [...string]
	services?:      [...string]
}

#Plan: {
	name:         string & !=""
	description?: string
	snapshots?:   #Snapshots
	stages:       [#Stage, ...#Stage]
}
`
