package consumer

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaReader consumes a topic as part of a consumer group, starting from
// the earliest offset when the group has none committed.
type KafkaReader struct {
	reader *kafka.Reader
}

// NewKafkaReader creates a reader for topic on broker in group.
func NewKafkaReader(broker, topic, group string) *KafkaReader {
	return &KafkaReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{broker},
			Topic:       topic,
			GroupID:     group,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}),
	}
}

// Read implements Reader.
func (r *KafkaReader) Read(ctx context.Context) (Message, error) {
	m, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("kafka fetch: %w", err)
	}

	msg := Message{Source: "kafka", Raw: m.Value, ref: m}
	msg.Event, msg.DecodeErr = decodeEvent(m.Value)
	return msg, nil
}

// Commit implements Reader.
func (r *KafkaReader) Commit(ctx context.Context, msg Message) error {
	m, ok := msg.ref.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka commit: message not read from kafka")
	}
	return r.reader.CommitMessages(ctx, m)
}

// Close implements Reader.
func (r *KafkaReader) Close() error {
	return r.reader.Close()
}
