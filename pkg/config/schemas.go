package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE schemas used to check the shape of
// submitted documents before they reach the engine: which keys exist, what
// kind of value each holds. Property-level typing stays in pkg/schema, which
// owns per-resource-type validation.
type SchemaRegistry struct {
	ctx *cue.Context

	mu      sync.RWMutex
	schemas map[string]cue.Value
}

// NewSchemaRegistry compiles the builtin envelope schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.registerBuiltins(); err != nil {
		return nil, err
	}
	return sr, nil
}

// registerBuiltins compiles the builtin definitions and registers each under
// its document name.
func (sr *SchemaRegistry) registerBuiltins() error {
	val := sr.ctx.CompileString(builtinEnvelopes)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile builtin schemas: %w", err)
	}

	for name, path := range map[string]string{
		"template":    "#Template",
		"stack-input": "#StackInput",
	} {
		def := val.LookupPath(cue.ParsePath(path))
		if !def.Exists() {
			return fmt.Errorf("builtin schema %s not found", path)
		}
		sr.schemas[name] = def
	}
	return nil
}

// RegisterSchema compiles a CUE schema and stores it under name, replacing
// any previous registration.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// Schemas returns the registered schema names in sorted order.
func (sr *SchemaRegistry) Schemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a decoded document against a named schema.
func (sr *SchemaRegistry) Validate(name string, doc any) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not registered", name)
	}

	val := sr.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("document does not match %s schema: %w", name, err)
	}
	return nil
}

// ValidateTemplate checks a template document's envelope: a resources mapping
// whose entries carry a type plus optional properties, metadata and dependsOn.
// Unknown keys are rejected, catching field typos before submission.
func (sr *SchemaRegistry) ValidateTemplate(doc any) error {
	return sr.Validate("template", doc)
}

// ValidateStackInput checks a stack submission document's envelope.
func (sr *SchemaRegistry) ValidateStackInput(doc any) error {
	return sr.Validate("stack-input", doc)
}

// builtinEnvelopes defines the document shapes accepted at intake. The
// definitions are closed, so submitting an undeclared key fails.
const builtinEnvelopes = `
// ResourceDef is one resource entry of a template.
#ResourceDef: {
	// type names the handler that serves the resource.
	type: string & !=""

	// properties may hold literals and reference markers.
	properties?: {...}

	// metadata is an opaque mapping carried on the resource.
	metadata?: {...}

	// dependsOn lists explicit dependencies by resource name.
	dependsOn?: [...string & !=""]
}

// Template is a declarative description of a stack's resources.
#Template: {
	description?: string

	// resources maps unique resource names to their definitions.
	resources: {[string]: #ResourceDef}
}

// StackInput is a stack create or update submission.
#StackInput: {
	name:   string & !=""
	tenant: string & !=""
	parameters?: {...}
	template?: #Template
	template_url?: string & !=""
}
`
