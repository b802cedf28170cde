package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cvalentine99/urlguard/internal/models"
	"github.com/cvalentine99/urlguard/internal/publish"
)

// RedisStreamReader consumes a Redis stream through a consumer group.
type RedisStreamReader struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration

	// recovering is set until this consumer's unacknowledged entries from
	// an earlier run have been replayed; cursor is the last one replayed.
	recovering bool
	cursor     string
	pending    []redis.XMessage
}

// NewRedisStreamReader joins group on stream, creating both if needed. New
// groups start from the beginning of the stream. Entries delivered to
// consumer but never acknowledged are read again before new ones, so the
// consumer name must be stable across restarts.
func NewRedisStreamReader(ctx context.Context, client *redis.Client, stream, group, consumer string) (*RedisStreamReader, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	return &RedisStreamReader{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		block:      2 * time.Second,
		recovering: true,
		cursor:     "0",
	}, nil
}

// Read implements Reader.
func (r *RedisStreamReader) Read(ctx context.Context) (Message, error) {
	for len(r.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		// An explicit ID lists this consumer's pending entries after it and
		// never blocks; ">" waits for entries no consumer has seen.
		id, block := ">", r.block
		if r.recovering {
			id, block = r.cursor, -1
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, id},
			Count:    32,
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Message{}, fmt.Errorf("redis XREADGROUP %s: %w", r.stream, err)
		}
		for _, s := range streams {
			r.pending = append(r.pending, s.Messages...)
		}
		if r.recovering {
			if len(r.pending) == 0 {
				r.recovering = false
			} else {
				r.cursor = r.pending[len(r.pending)-1].ID
			}
		}
	}

	x := r.pending[0]
	r.pending = r.pending[1:]

	msg := Message{Source: "redis", ref: x.ID}
	msg.Event, msg.Raw, msg.DecodeErr = decodeStreamEntry(x.Values)
	return msg, nil
}

func decodeStreamEntry(values map[string]interface{}) (models.PredictionEvent, []byte, error) {
	if payload, ok := values[publish.FieldPayload].(string); ok {
		event, err := decodeEvent([]byte(payload))
		return event, []byte(payload), err
	}

	url, _ := values[publish.FieldURL].(string)
	class, _ := values[publish.FieldClass].(string)
	if url == "" && class == "" {
		return models.PredictionEvent{}, nil, errors.New("decode prediction: entry has no prediction fields")
	}
	return models.PredictionEvent{URL: url, PredictedClass: class}, nil, nil
}

// Commit implements Reader.
func (r *RedisStreamReader) Commit(ctx context.Context, msg Message) error {
	id, ok := msg.ref.(string)
	if !ok {
		return errors.New("redis commit: message not read from redis")
	}
	return r.client.XAck(ctx, r.stream, r.group, id).Err()
}

// Close implements Reader. The client is owned by the caller.
func (r *RedisStreamReader) Close() error {
	return nil
}
