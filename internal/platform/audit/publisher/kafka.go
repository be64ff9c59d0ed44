// Package publisher provides the Kafka-backed audit publisher.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"explaind/internal/platform/audit"
)

// Kafka publishes audit events to a Kafka topic, keyed by user so one
// user's trail stays ordered within a partition. Produces are asynchronous;
// a failed produce is logged, never surfaced to the admission path.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// Option configures a Kafka publisher.
type Option func(*Kafka)

// WithLogger sets the logger used for produce failures.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kafka) {
		k.logger = logger
	}
}

// NewKafka connects to the given brokers and publishes to topic.
func NewKafka(brokers []string, topic string, opts ...Option) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	k := &Kafka{client: client, topic: topic, logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Emit serializes the event and produces it without blocking the caller.
func (k *Kafka) Emit(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.UserID),
		Value: value,
	}
	k.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			k.logger.Warn("audit produce failed", "action", event.Action, "error", err)
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (k *Kafka) Close() {
	k.client.Close()
}
