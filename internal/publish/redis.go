package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/cvalentine99/urlguard/internal/models"
)

// Stream entry fields written by RedisStreamPublisher.
const (
	FieldURL     = "url"
	FieldClass   = "predicted_class"
	FieldPayload = "payload"
)

// RedisStreamPublisher appends each prediction to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	owned  bool
}

// NewRedisStreamPublisher connects to addr and publishes to stream.
func NewRedisStreamPublisher(addr, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
		owned:  true,
	}
}

// NewRedisStreamPublisherWithClient publishes through an existing client.
// Close leaves the client open.
func NewRedisStreamPublisherWithClient(client *redis.Client, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream}
}

// Publish implements Publisher.
func (p *RedisStreamPublisher) Publish(ctx context.Context, event models.PredictionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			FieldURL:     event.URL,
			FieldClass:   event.PredictedClass,
			FieldPayload: string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis XADD %s: %w", p.stream, err)
	}
	return nil
}

// Close closes the client if the publisher created it.
func (p *RedisStreamPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}
