package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// envelopeField is the stream entry field that carries the JSON envelope.
const envelopeField = "envelope"

var ErrMalformedEnvelope = errors.New("streams: malformed envelope")

// Envelope wraps every event rivet appends to a stream. Data is the versioned
// payload checked against the SchemaRegistry.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Source         string          `json:"source,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// Check reports all missing mandatory fields in one error.
func (e Envelope) Check() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
	if e.EventType == "" {
		missing = append(missing, "event_type")
	}
	if e.PayloadVersion == "" {
		missing = append(missing, "payload_version")
	}
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if len(e.Data) == 0 {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, strings.Join(missing, ", "))
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

func envelopeFromEntry(msg redis.XMessage) (Envelope, error) {
	var raw []byte
	switch v := msg.Values[envelopeField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return Envelope{}, fmt.Errorf("%w: entry %s has no %s field", ErrMalformedEnvelope, msg.ID, envelopeField)
	default:
		return Envelope{}, fmt.Errorf("%w: entry %s field is %T", ErrMalformedEnvelope, msg.ID, v)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: entry %s: %v", ErrMalformedEnvelope, msg.ID, err)
	}
	return env, env.Check()
}
