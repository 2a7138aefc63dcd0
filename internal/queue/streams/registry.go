package streams

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrInvalidPayload = errors.New("streams: payload failed schema validation")
	ErrUnknownSchema  = errors.New("streams: no schema registered")
)

type schemaRef struct {
	eventType string
	version   string
}

func (r schemaRef) String() string { return r.eventType + "@" + r.version }

// SchemaRegistry holds one compiled payload schema per event type and version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaRef]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaRef]*jsonschema.Schema)}
}

// Register compiles schema for eventType at version, replacing any earlier one.
func (r *SchemaRegistry) Register(eventType, version string, schema []byte) error {
	ref := schemaRef{eventType: eventType, version: version}
	if eventType == "" || version == "" {
		return fmt.Errorf("register schema %q: event type and version required", ref)
	}
	resource := ref.String() + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema %s: %w", ref, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", ref, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[ref] = compiled
	return nil
}

// Validate checks payload against the schema registered for eventType at version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	ref := schemaRef{eventType: eventType, version: version}
	r.mu.RLock()
	schema := r.schemas[ref]
	r.mu.RUnlock()
	if schema == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, ref)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ref, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ref, err)
	}
	return nil
}
