package details_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ismaiel54/order-details-service/internal/details"
	"github.com/ismaiel54/order-details-service/internal/memstream"
	"github.com/ismaiel54/order-details-service/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	inTopic  = msg.TopicOrders
	outTopic = msg.TopicOrderValidations
)

func testOptions() details.Options {
	return details.Options{
		OutputTopic: outTopic,
		PollTimeout: 10 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
	}
}

func seedOrder(t *testing.T, b *memstream.Broker, order msg.Order) {
	t.Helper()
	value, err := json.Marshal(order)
	require.NoError(t, err)
	b.Append(inTopic, 0, order.ID, value)
}

func dialerFor(client details.StreamClient) details.Dialer {
	return func(string) (details.StreamClient, error) { return client, nil }
}

func decodeVerdicts(t *testing.T, messages []memstream.Message) map[string]msg.OrderValidation {
	t.Helper()
	out := make(map[string]msg.OrderValidation, len(messages))
	for _, m := range messages {
		var v msg.OrderValidation
		require.NoError(t, json.Unmarshal(m.Value, &v))
		out[v.OrderID] = v
	}
	return out
}

func TestService_PublishesPassAndFailVerdicts(t *testing.T) {
	broker := memstream.NewBroker()
	seedOrder(t, broker, msg.Order{
		ID: "o1", CustomerID: "c1", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})
	seedOrder(t, broker, msg.Order{
		ID: "o2", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})

	service := details.New(dialerFor(broker.Connect(inTopic)), testOptions(), zap.NewNop())
	service.Start("memstream")
	defer service.Stop()

	require.Eventually(t, func() bool {
		return len(broker.Committed(outTopic)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	verdicts := decodeVerdicts(t, broker.Committed(outTopic))
	assert.Equal(t, msg.OrderValidation{
		OrderID: "o1", CheckType: msg.CheckOrderDetails, Result: msg.ResultPass,
	}, verdicts["o1"])
	assert.Equal(t, msg.OrderValidation{
		OrderID: "o2", CheckType: msg.CheckOrderDetails, Result: msg.ResultFail,
	}, verdicts["o2"])

	// Offsets committed atomically with the verdicts.
	assert.Equal(t, int64(2), broker.CommittedOffset(inTopic, 0))
}

func TestService_SkipsOrdersPastTheCheck(t *testing.T) {
	broker := memstream.NewBroker()
	seedOrder(t, broker, msg.Order{
		ID: "o3", CustomerID: "c1", State: msg.OrderValidated,
		Product: "p1", Quantity: 1, Price: 1.0,
	})

	service := details.New(dialerFor(broker.Connect(inTopic)), testOptions(), zap.NewNop())
	service.Start("memstream")
	defer service.Stop()

	// The offset still advances even though no verdict is emitted, or
	// the record would be re-read forever.
	require.Eventually(t, func() bool {
		return broker.CommittedOffset(inTopic, 0) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, broker.Committed(outTopic))
}

func TestService_UndecodableRecordStillAdvances(t *testing.T) {
	broker := memstream.NewBroker()
	broker.Append(inTopic, 0, "bad", []byte("not json"))

	service := details.New(dialerFor(broker.Connect(inTopic)), testOptions(), zap.NewNop())
	service.Start("memstream")
	defer service.Stop()

	require.Eventually(t, func() bool {
		return broker.CommittedOffset(inTopic, 0) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, broker.Committed(outTopic))
}

// countingClient wraps a StreamClient and counts opened transactions.
type countingClient struct {
	details.StreamClient
	begins atomic.Int64
}

func (c *countingClient) Begin() error {
	c.begins.Add(1)
	return c.StreamClient.Begin()
}

func TestService_EmptyPollOpensNoTransaction(t *testing.T) {
	broker := memstream.NewBroker()
	client := &countingClient{StreamClient: broker.Connect(inTopic)}

	service := details.New(dialerFor(client), testOptions(), zap.NewNop())
	service.Start("memstream")

	// Let several empty poll cycles elapse.
	time.Sleep(100 * time.Millisecond)
	service.Stop()

	assert.Zero(t, client.begins.Load(), "polling alone must never open a transaction")
	assert.Empty(t, broker.Committed(outTopic))
}

func TestService_FatalCommitFailureTerminatesLoop(t *testing.T) {
	broker := memstream.NewBroker()
	seedOrder(t, broker, msg.Order{
		ID: "o1", CustomerID: "c1", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})

	session := broker.Connect(inTopic)
	session.FailCommit = errors.New("coordinator unreachable")

	service := details.New(dialerFor(session), testOptions(), zap.NewNop())
	service.Start("memstream")

	select {
	case <-service.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not terminate after fatal commit failure")
	}

	assert.False(t, service.Running())
	// The aborted batch left nothing behind.
	assert.Empty(t, broker.Committed(outTopic))
	assert.Zero(t, broker.CommittedOffset(inTopic, 0))
}

func TestService_FencedProducerTerminatesLoop(t *testing.T) {
	broker := memstream.NewBroker()
	session := broker.Connect(inTopic)

	service := details.New(dialerFor(session), testOptions(), zap.NewNop())
	service.Start("memstream")

	// A newer instance registering the same transactional identity
	// fences this one; its next transaction must fail fatally.
	broker.Connect(inTopic)
	seedOrder(t, broker, msg.Order{
		ID: "o1", CustomerID: "c1", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})

	select {
	case <-service.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not terminate after being fenced")
	}
	assert.Empty(t, broker.Committed(outTopic))
}

func TestService_RestartReprocessesUncommittedBatch(t *testing.T) {
	broker := memstream.NewBroker()
	seedOrder(t, broker, msg.Order{
		ID: "o1", CustomerID: "c1", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})
	seedOrder(t, broker, msg.Order{
		ID: "o2", State: msg.OrderCreated,
		Product: "p1", Quantity: 5, Price: 10.0,
	})

	// First instance crashes at commit time: its transaction rolls back
	// and neither verdicts nor offsets become visible.
	crashing := broker.Connect(inTopic)
	crashing.FailCommit = errors.New("process crashed")

	first := details.New(dialerFor(crashing), testOptions(), zap.NewNop())
	first.Start("memstream")
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first instance did not terminate")
	}
	require.Empty(t, broker.Committed(outTopic))
	require.Zero(t, broker.CommittedOffset(inTopic, 0))

	// The restarted instance re-reads the same batch from the same
	// offsets and publishes each verdict exactly once.
	second := details.New(dialerFor(broker.Connect(inTopic)), testOptions(), zap.NewNop())
	second.Start("memstream")
	defer second.Stop()

	require.Eventually(t, func() bool {
		return len(broker.Committed(outTopic)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	verdicts := decodeVerdicts(t, broker.Committed(outTopic))
	assert.Len(t, verdicts, 2)
	assert.Equal(t, msg.ResultPass, verdicts["o1"].Result)
	assert.Equal(t, msg.ResultFail, verdicts["o2"].Result)
	assert.Equal(t, int64(2), broker.CommittedOffset(inTopic, 0))
}

// blockingClient never returns from Poll, simulating a loop that cannot
// observe the stop flag in time.
type blockingClient struct {
	unblock chan struct{}
}

func (c *blockingClient) Poll(ctx context.Context, _ time.Duration) ([]msg.Record, error) {
	<-c.unblock
	return nil, errors.New("client closed")
}

func (c *blockingClient) Begin() error { return nil }

func (c *blockingClient) Send(context.Context, string, string, []byte) error { return nil }

func (c *blockingClient) Commit(context.Context, map[msg.TopicPartition]int64) error { return nil }

func (c *blockingClient) Abort(context.Context) error { return nil }

func (c *blockingClient) Close() {}

func TestService_StopReturnsAfterBoundedWait(t *testing.T) {
	client := &blockingClient{unblock: make(chan struct{})}
	defer close(client.unblock)

	opts := testOptions()
	opts.StopTimeout = 50 * time.Millisecond

	service := details.New(dialerFor(client), opts, zap.NewNop())
	service.Start("memstream")

	start := time.Now()
	service.Stop()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "stop should wait out its bound")
	assert.Less(t, elapsed, time.Second, "stop must return even when the loop cannot be joined")
}

func TestService_StartIsIdempotent(t *testing.T) {
	broker := memstream.NewBroker()
	service := details.New(dialerFor(broker.Connect(inTopic)), testOptions(), zap.NewNop())
	service.Start("memstream")
	service.Start("memstream")
	assert.True(t, service.Running())
	service.Stop()
	assert.False(t, service.Running())
}
