package streams

import "fmt"

const (
	EventKnowledgeGap   = "knowledge.gap"
	KnowledgeGapVersion = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventKnowledgeGap,
		Version:   KnowledgeGapVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["query_id", "text", "route", "reason", "atom_count", "top_relevance", "received_at"],
  "properties": {
    "query_id": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "route": {"type": "string", "enum": ["no_match", "thin_match"]},
    "reason": {"type": "string"},
    "atom_count": {"type": "integer", "minimum": 0},
    "top_relevance": {"type": "number", "minimum": 0, "maximum": 1},
    "degraded": {"type": "boolean"},
    "hints": {"type": "object", "additionalProperties": {"type": "string"}},
    "received_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas loads the built-in event schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
