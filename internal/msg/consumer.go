package msg

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Consumer wraps a plain group consumer, used by the verifier tooling to
// read committed verdicts. read_committed isolation keeps verdicts from
// aborted service transactions invisible here, matching what any real
// downstream consumer would observe.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	topics  []string
	group   string
	running int32
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := &Consumer{
		client: client,
		logger: logger,
		topics: topics,
		group:  group,
	}

	logger.Info("consumer initialized",
		zap.Strings("brokers", brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)

	return c, nil
}

// Run consumes records until ctx is done, calling handler for each one.
// Offsets are committed after the handler returns without error.
func (c *Consumer) Run(ctx context.Context, handler func(context.Context, Record) error) error {
	c.logger.Info("starting consumer",
		zap.String("group", c.group),
		zap.Strings("topics", c.topics),
	)

	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return fmt.Errorf("kafka client closed")
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()

				rec := Record{
					Topic:     record.Topic,
					Key:       string(record.Key),
					Value:     record.Value,
					Partition: record.Partition,
					Offset:    record.Offset,
					Timestamp: record.Timestamp.UnixMilli(),
				}

				if err := handler(ctx, rec); err != nil {
					c.logger.Error("handler failed",
						zap.String("topic", rec.Topic),
						zap.String("key", rec.Key),
						zap.Error(err),
					)
					continue
				}

				c.client.CommitRecords(ctx, record)
			}
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// IsRunning returns whether the consumer is running
func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}
