package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamWriter is the slice of the redis client used for publishing.
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends schema-checked envelopes to Redis streams.
type Publisher struct {
	client   StreamWriter
	registry *SchemaRegistry
	maxLen   int64
	source   string
}

// NewPublisher returns a Publisher. maxLen > 0 caps each stream approximately;
// a nil registry skips payload validation.
func NewPublisher(client StreamWriter, registry *SchemaRegistry, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, maxLen: maxLen, source: "rivet"}
}

// Emit wraps payload in a new envelope and publishes it.
func (p *Publisher) Emit(ctx context.Context, stream, eventType, version string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return p.Publish(ctx, stream, Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OccurredAt:     time.Now().UTC(),
		Source:         p.source,
		PayloadVersion: version,
		Data:           data,
	})
}

// Publish checks env and its payload, then appends it to stream. It returns
// the stream entry ID.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	if stream == "" {
		return "", errors.New("streams: stream name required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if err := env.Check(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	id, err := p.client.XAdd(ctx, p.addArgs(stream, raw)).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

func (p *Publisher) addArgs(stream string, raw []byte) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{envelopeField: string(raw)},
	}
	if p.maxLen > 0 {
		args.MaxLen, args.Approx = p.maxLen, true
	}
	return args
}
