// Package publish forwards predictions to a message bus. Publishing is
// best effort: failures are reported, never returned to the HTTP caller.
package publish

import (
	"context"
	"fmt"

	"github.com/cvalentine99/urlguard/internal/config"
	"github.com/cvalentine99/urlguard/internal/models"
)

// Publisher sends prediction events to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, event models.PredictionEvent) error
	Close() error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.PredictionEvent) error { return nil }
func (NoopPublisher) Close() error                                         { return nil }

// New builds the publisher selected by cfg.PublishBackend.
func New(cfg *config.Config) (Publisher, error) {
	switch cfg.PublishBackend {
	case config.BackendKafka:
		return NewKafkaPublisher(cfg.KafkaBroker, cfg.PredictionTopic), nil
	case config.BackendRedis:
		return NewRedisStreamPublisher(cfg.RedisAddr, cfg.RedisStream), nil
	case config.BackendNone:
		return NoopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown publish backend %q", cfg.PublishBackend)
	}
}
