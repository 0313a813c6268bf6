package details

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ismaiel54/order-details-service/internal/msg"
	"go.uber.org/zap"
)

// StreamClient is the transactional consume/produce surface the pipeline
// runs against. Implementations must guarantee that records sent and
// offsets committed between Begin and a successful Commit become visible
// atomically, and not at all otherwise. The Kafka implementation lives in
// internal/msg; internal/memstream provides an in-memory one for tests.
type StreamClient interface {
	// Poll returns the next batch of records, waiting at most timeout.
	// An empty batch is not an error.
	Poll(ctx context.Context, timeout time.Duration) ([]msg.Record, error)
	// Begin opens a transaction on the output transport.
	Begin() error
	// Send stages a record inside the open transaction.
	Send(ctx context.Context, topic, key string, value []byte) error
	// Commit atomically commits the staged records together with the
	// given consumer offsets. After an error the transaction is dead.
	Commit(ctx context.Context, offsets map[msg.TopicPartition]int64) error
	// Abort discards the open transaction.
	Abort(ctx context.Context) error
	Close()
}

// Dialer connects to the stream transport for a given bootstrap endpoint
type Dialer func(bootstrapServers string) (StreamClient, error)

// Options tune the service loop
type Options struct {
	// OutputTopic receives the validation verdicts
	OutputTopic string
	// PollTimeout bounds each poll call
	PollTimeout time.Duration
	// StopTimeout bounds the wait for the loop to exit on Stop
	StopTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.OutputTopic == "" {
		o.OutputTopic = msg.TopicOrderValidations
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 100 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Second
	}
}

// Service validates the details of each order from the input stream and
// publishes a verdict per order. Output records and input offsets are
// committed in one transaction, so a verdict is never visible without its
// offset advance and vice versa, across crashes and restarts. A single
// instance must be active per transactional id; a second instance fences
// the first through the transport's coordinator.
type Service struct {
	dial    Dialer
	opts    Options
	logger  *zap.Logger
	running atomic.Bool
	done    chan struct{}
}

// New creates the service. Start must be called to begin processing.
func New(dial Dialer, opts Options, logger *zap.Logger) *Service {
	opts.withDefaults()
	return &Service{
		dial:   dial,
		opts:   opts,
		logger: logger,
	}
}

// Start launches the processing loop on its own goroutine and returns
// immediately. Calling Start on a running service is a no-op.
func (s *Service) Start(bootstrapServers string) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.done = make(chan struct{})
	go s.run(bootstrapServers, s.done)
	s.logger.Info("started order details service")
}

// Stop asks the loop to exit after its current cycle and waits up to the
// stop timeout for it to do so. An in-flight transaction is never
// cancelled; the flag only prevents the next cycle from starting.
func (s *Service) Stop() {
	s.running.Store(false)
	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(s.opts.StopTimeout):
			s.logger.Warn("failed to confirm orderly shutdown",
				zap.Duration("timeout", s.opts.StopTimeout),
			)
		}
	}
	s.logger.Info("order details service stopped")
}

// Running reports whether the processing loop is alive
func (s *Service) Running() bool {
	return s.running.Load()
}

// Done is closed when the processing loop has exited
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) run(bootstrapServers string, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	client, err := s.dial(bootstrapServers)
	if err != nil {
		s.logger.Error("failed to connect to stream transport",
			zap.String("bootstrap_servers", bootstrapServers),
			zap.Error(err),
		)
		return
	}
	defer client.Close()

	ctx := context.Background()

	for s.running.Load() {
		records, err := client.Poll(ctx, s.opts.PollTimeout)
		if err != nil {
			s.logger.Error("poll failed", zap.Error(err))
			return
		}
		// An empty poll never opens a transaction; looping here keeps
		// the stop flag check prompt and avoids transactional overhead.
		if len(records) == 0 {
			continue
		}

		if err := s.processBatch(ctx, client, records); err != nil {
			// Fatal transactional failure (e.g. this producer was
			// fenced by a newer instance). Continuing could publish
			// duplicate or conflicting verdicts, so the loop exits.
			s.logger.Error("batch transaction failed, terminating",
				zap.Int("records", len(records)),
				zap.Error(err),
			)
			return
		}
	}
}

// processBatch runs one atomic unit: begin, stage a verdict for every
// order still awaiting this check, attach the consumed offsets, commit.
// On any error the transaction is aborted and the error returned.
func (s *Service) processBatch(ctx context.Context, client StreamClient, records []msg.Record) error {
	if err := client.Begin(); err != nil {
		return err
	}

	// The mapping is rebuilt from scratch for every batch; it must never
	// carry offsets across transactions.
	tracker := NewOffsetTracker()
	staged := 0

	for _, record := range records {
		var order msg.Order
		if err := json.Unmarshal(record.Value, &order); err != nil {
			// A malformed order cannot be validated, but its offset
			// still advances or the batch would be re-read forever.
			s.logger.Warn("skipping undecodable order",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err),
			)
			tracker.Record(record.Topic, record.Partition, record.Offset)
			continue
		}

		if order.State == msg.OrderCreated {
			verdict := msg.OrderValidation{
				OrderID:   order.ID,
				CheckType: msg.CheckOrderDetails,
				Result:    msg.ResultFail,
			}
			if Validate(order) {
				verdict.Result = msg.ResultPass
			}

			value, err := json.Marshal(verdict)
			if err != nil {
				_ = client.Abort(ctx)
				return err
			}
			// Staged inside the transaction: nothing is seen
			// downstream until the commit below.
			if err := client.Send(ctx, s.opts.OutputTopic, order.ID, value); err != nil {
				_ = client.Abort(ctx)
				return err
			}
			staged++
		}
		// Offsets advance for every polled record, including orders
		// already past this check, so the batch fully commits.
		tracker.Record(record.Topic, record.Partition, record.Offset)
	}

	offsets := tracker.Drain()
	if err := client.Commit(ctx, offsets); err != nil {
		_ = client.Abort(ctx)
		return err
	}

	s.logger.Debug("batch committed",
		zap.Int("records", len(records)),
		zap.Int("verdicts", staged),
		zap.Int("partitions", len(offsets)),
	)
	return nil
}
