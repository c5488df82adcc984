// Package schema provides optional per-observation-type JSON Schema
// validation of ingestion payloads, backed by
// github.com/santhosh-tekuri/jsonschema/v5. Registration is explicit: a
// type with no registered schema is always accepted, matching §4.2's
// framing of schema validation as an opt-in check, not a default.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry validates observation payloads against schemas registered per
// observation type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with observationType. A
// later call for the same type replaces the schema.
func (r *Registry) Register(observationType string, schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	resourceName := observationType + ".schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema: add resource for %s: %w", observationType, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("schema: compile for %s: %w", observationType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[observationType] = compiled
	return nil
}

// Validate checks payload against the schema registered for
// observationType, if any. Payloads that are not already
// map[string]any/[]any/primitives (i.e. typed Go structs) are round
// tripped through encoding/json first, since jsonschema validates decoded
// JSON values.
func (r *Registry) Validate(observationType string, payload any) error {
	r.mu.RLock()
	s, ok := r.schemas[observationType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("schema: marshal payload: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("schema: decode payload: %w", err)
	}
	if err := s.Validate(decoded); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
