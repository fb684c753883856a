// Package schema validates record payloads against per-record-type JSON
// Schemas before they are hashed. Validation is optional: record types with
// no registered schema accept any payload.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports a payload that does not conform to its record
// type's schema.
type ValidationError struct {
	RecordType string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: payload for record type %q invalid: %s", e.RecordType, e.Reason)
}

// Registry holds compiled schemas keyed by record type.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores a schema for recordType, replacing any
// previous one.
func (r *Registry) Register(recordType, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://anchor.schemas.local/records/%s.schema.json", recordType)
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema: load failed for %s: %w", recordType, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema: compile failed for %s: %w", recordType, err)
	}

	r.mu.Lock()
	r.compiled[recordType] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for recordType.
// Record types without a schema pass.
func (r *Registry) Validate(recordType string, payload any) error {
	r.mu.RLock()
	compiled, ok := r.compiled[recordType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := compiled.Validate(payload); err != nil {
		return &ValidationError{RecordType: recordType, Reason: err.Error()}
	}
	return nil
}

// Has reports whether recordType has a registered schema.
func (r *Registry) Has(recordType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[recordType]
	return ok
}
