package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// streamMaxLen is the approximate maximum stream length, enforced via
// XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus on Redis Streams: durable, ordered
// delivery for downstream consumers (dashboards, alerting pipelines).
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish appends payload to the stream, trimming to the approximate cap.
func (b *EventBus) Publish(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// Read returns up to count payloads after lastID. Use "0" to read from the
// beginning. An empty stream yields an empty slice, not an error.
func (b *EventBus) Read(ctx context.Context, stream, lastID string, count int) ([][]byte, error) {
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}
	results, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out [][]byte
	for _, s := range results {
		for _, msg := range s.Messages {
			switch v := msg.Values["payload"].(type) {
			case string:
				out = append(out, []byte(v))
			case []byte:
				out = append(out, v)
			}
		}
	}
	return out, nil
}

var _ domain.EventBus = (*EventBus)(nil)
