package msg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer wraps a plain (non-transactional) Kafka producer, used by the
// seeding and tooling commands. The service itself publishes through
// TransactClient only.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	logger.Info("producer initialized", zap.Strings("brokers", brokers))

	return &Producer{client: client, logger: logger}, nil
}

// ProduceJSON produces a JSON message to the specified topic
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, record)
	if result.FirstErr() != nil {
		return fmt.Errorf("failed to produce message: %w", result.FirstErr())
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
