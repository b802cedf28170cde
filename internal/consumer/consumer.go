package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cvalentine99/urlguard/internal/logging"
	"github.com/cvalentine99/urlguard/internal/metrics"
	"github.com/cvalentine99/urlguard/internal/models"
)

// Store persists consumed predictions.
type Store interface {
	Insert(ctx context.Context, event models.PredictionEvent, source string) (bool, error)
}

// Result labels recorded in metrics.ConsumedMessages.
const (
	ResultStored    = "stored"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

const maxRetryDelay = 30 * time.Second

// Consumer logs and stores every prediction it reads.
type Consumer struct {
	reader  Reader
	store   Store
	metrics *metrics.Metrics
	logger  *logging.Logger

	retryDelay time.Duration
}

// New creates a consumer. store and m may be nil.
func New(reader Reader, store Store, m *metrics.Metrics, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.ConsumerLogger()
	}
	return &Consumer{
		reader:     reader,
		store:      store,
		metrics:    m,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled. Read errors are logged and retried.
// A message that fails to store is retried until it succeeds; Run never
// reads or commits past it.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("read failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if !c.handleWithRetry(ctx, msg) {
			return nil
		}

		if err := c.reader.Commit(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("commit failed", logging.Err(err))
		}
	}
}

// handleWithRetry calls Handle until it succeeds, backing off between
// attempts. It reports false when ctx ends first.
func (c *Consumer) handleWithRetry(ctx context.Context, msg Message) bool {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("retrying prediction",
			logging.URL(msg.Event.URL),
			"attempt", attempt,
			logging.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// Handle processes one message. A non-nil error means the message should not
// be committed.
func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	if msg.DecodeErr != nil {
		c.logger.Warn("skipping undecodable message", "source", msg.Source, logging.Err(msg.DecodeErr))
		c.observe(ResultInvalid)
		return nil
	}

	c.logger.Info("received prediction",
		logging.Prediction(msg.Event.URL, msg.Event.PredictedClass),
		"source", msg.Source,
		"request_id", msg.Event.RequestID,
	)

	if c.store == nil {
		c.observe(ResultStored)
		return nil
	}

	stored, err := c.store.Insert(ctx, msg.Event, msg.Source)
	if err != nil {
		c.logger.Error("store prediction", logging.Err(err))
		c.observe(ResultFailed)
		return err
	}
	if stored {
		c.observe(ResultStored)
	} else {
		c.observe(ResultDuplicate)
	}
	return nil
}

func (c *Consumer) observe(result string) {
	if c.metrics != nil {
		c.metrics.ConsumedMessages.WithLabelValues(result).Inc()
	}
}
