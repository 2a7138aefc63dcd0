package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamReader is the slice of the redis client used by Consumer.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Message is one decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads envelopes as one member of a consumer group.
type Consumer struct {
	client   StreamReader
	registry *SchemaRegistry
	group    string
	name     string
}

func NewConsumer(client StreamReader, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the group at the start of stream. An existing group is kept.
func (c *Consumer) EnsureGroup(ctx context.Context, stream string) error {
	if stream == "" || c.group == "" {
		return errors.New("streams: stream and group required")
	}
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
	}
	return nil
}

// Read returns up to count entries not yet delivered to the group. block <= 0
// returns immediately. Entries that fail to decode or validate are acked so
// they are not redelivered.
func (c *Consumer) Read(ctx context.Context, stream string, count int64, block time.Duration) ([]Message, error) {
	if c.group == "" || c.name == "" {
		return nil, errors.New("streams: consumer group and name required")
	}
	if block <= 0 {
		block = -1
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	var out []Message
	for _, st := range res {
		for _, entry := range st.Messages {
			env, err := c.decode(entry)
			if err != nil {
				_ = c.client.XAck(ctx, stream, c.group, entry.ID).Err()
				continue
			}
			out = append(out, Message{ID: entry.ID, Envelope: env})
		}
	}
	return out, nil
}

func (c *Consumer) decode(entry redis.XMessage) (Envelope, error) {
	env, err := envelopeFromEntry(entry)
	if err != nil || c.registry == nil {
		return env, err
	}
	return env, c.registry.Validate(env.EventType, env.PayloadVersion, env.Data)
}

// Ack marks ids as processed for the group.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), stream, err)
	}
	return nil
}

// KnowledgeGaps decodes the knowledge.gap payloads in msgs.
func KnowledgeGaps(msgs []Message) []KnowledgeGap {
	var out []KnowledgeGap
	for _, m := range msgs {
		if m.Envelope.EventType != EventKnowledgeGap {
			continue
		}
		var gap KnowledgeGap
		if m.Envelope.Decode(&gap) == nil {
			out = append(out, gap)
		}
	}
	return out
}
