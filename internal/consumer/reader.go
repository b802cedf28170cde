// Package consumer reads published predictions back from the message bus
// and records them in the history store.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cvalentine99/urlguard/internal/models"
)

// Message is one prediction read from a bus.
type Message struct {
	Event  models.PredictionEvent
	Source string // "kafka" or "redis"
	Raw    []byte

	// DecodeErr is set when the payload could not be decoded. Such messages
	// are still committed so they are not redelivered forever.
	DecodeErr error

	ref any
}

// Reader is a consumer-group reader. Read blocks until a message is
// available or ctx is done; Commit acknowledges a message.
type Reader interface {
	Read(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

func decodeEvent(raw []byte) (models.PredictionEvent, error) {
	var e models.PredictionEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode prediction: %w", err)
	}
	if e.URL == "" && e.PredictedClass == "" {
		return e, fmt.Errorf("decode prediction: empty message")
	}
	return e, nil
}
