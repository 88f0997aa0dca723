package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vetfleet/internal/domain"
)

// RedisPublisher appends alerts to a Redis stream for live consumers such as
// an on-call dashboard.
type RedisPublisher struct {
	Client *redis.Client
	Stream string
	MaxLen int64
}

func NewRedisPublisher(addr, password string, db int, stream string) *RedisPublisher {
	return &RedisPublisher{
		Client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		Stream: stream,
		MaxLen: 10000,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, q domain.QueuedNotification) error {
	payload, err := json.Marshal(q.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return p.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		MaxLen: p.MaxLen,
		Approx: true,
		Values: map[string]any{
			"id":       q.ID,
			"priority": q.Priority,
			"message":  q.Message,
			"payload":  string(payload),
		},
	}).Err()
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}
