// Package memstream is an in-memory stream transport honoring the same
// atomicity contract as the Kafka transact client: records sent and
// offsets committed inside a transaction become visible together on
// commit, and not at all otherwise. It backs the pipeline tests,
// including crash-and-restart and producer-fencing simulations, where a
// crash is modeled by abandoning a session and connecting a new one.
package memstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ismaiel54/order-details-service/internal/msg"
)

// ErrFenced is returned to a session whose transactional epoch has been
// superseded by a newer connection.
var ErrFenced = errors.New("producer fenced by newer instance")

var errNoTransaction = errors.New("no open transaction")

// Message is one record in a broker topic
type Message struct {
	Key    string
	Value  []byte
	Offset int64
}

// Broker holds topic logs, the single consumer group's committed offsets,
// and the current transactional epoch.
type Broker struct {
	mu        sync.Mutex
	logs      map[msg.TopicPartition][]Message
	committed map[msg.TopicPartition]int64
	epoch     int64
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		logs:      make(map[msg.TopicPartition][]Message),
		committed: make(map[msg.TopicPartition]int64),
	}
}

// Append adds a record to a topic partition, outside any transaction.
// Used to seed input topics.
func (b *Broker) Append(topic string, partition int32, key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := msg.TopicPartition{Topic: topic, Partition: partition}
	b.logs[tp] = append(b.logs[tp], Message{
		Key:    key,
		Value:  value,
		Offset: int64(len(b.logs[tp])),
	})
}

// Committed returns the committed (visible) records of a topic across all
// partitions, ordered by partition then offset.
func (b *Broker) Committed(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var tps []msg.TopicPartition
	for tp := range b.logs {
		if tp.Topic == topic {
			tps = append(tps, tp)
		}
	}
	sort.Slice(tps, func(i, j int) bool { return tps[i].Partition < tps[j].Partition })
	var out []Message
	for _, tp := range tps {
		out = append(out, b.logs[tp]...)
	}
	return out
}

// CommittedOffset returns the consumer group's committed offset for a
// partition (the next offset to read).
func (b *Broker) CommittedOffset(topic string, partition int32) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[msg.TopicPartition{Topic: topic, Partition: partition}]
}

// Session is one connection to the broker. It satisfies the pipeline's
// StreamClient interface. Connecting a new session bumps the broker epoch
// and fences every earlier session, mirroring the coordinator behavior
// for a reused transactional id.
type Session struct {
	b      *Broker
	epoch  int64
	topics map[string]bool

	mu     sync.Mutex
	pos    map[msg.TopicPartition]int64
	inTxn  bool
	staged []stagedRecord

	// Failure injection: when set, the matching operation fails once
	// with the given error and the hook is cleared.
	FailBegin  error
	FailCommit error
}

type stagedRecord struct {
	topic string
	key   string
	value []byte
}

// Connect opens a session subscribed to the given topics, fencing all
// prior sessions. The read position starts from the group's committed
// offsets, so a session connected after a crash re-reads everything the
// crashed session failed to commit.
func (b *Broker) Connect(topics ...string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	subs := make(map[string]bool, len(topics))
	for _, t := range topics {
		subs[t] = true
	}
	pos := make(map[msg.TopicPartition]int64, len(b.committed))
	for tp, off := range b.committed {
		pos[tp] = off
	}
	return &Session{b: b, epoch: b.epoch, topics: subs, pos: pos}
}

// Poll returns all records at or past the session's read position. When
// nothing is pending it waits out the timeout like the real client, so a
// polling loop is not a busy loop.
func (s *Session) Poll(ctx context.Context, timeout time.Duration) ([]msg.Record, error) {
	records := s.pending()
	if len(records) == 0 && timeout > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		records = s.pending()
	}
	return records, nil
}

func (s *Session) pending() []msg.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	var tps []msg.TopicPartition
	for tp := range s.b.logs {
		if s.topics[tp.Topic] {
			tps = append(tps, tp)
		}
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})

	var records []msg.Record
	for _, tp := range tps {
		log := s.b.logs[tp]
		for _, m := range log[min64(s.pos[tp], int64(len(log))):] {
			records = append(records, msg.Record{
				Topic:     tp.Topic,
				Key:       m.Key,
				Value:     m.Value,
				Partition: tp.Partition,
				Offset:    m.Offset,
			})
		}
		s.pos[tp] = int64(len(log))
	}
	return records
}

// Begin opens a transaction
func (s *Session) Begin() error {
	if err := s.fenced(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBegin != nil {
		err := s.FailBegin
		s.FailBegin = nil
		return err
	}
	s.inTxn = true
	s.staged = nil
	return nil
}

// Send stages a record in the open transaction
func (s *Session) Send(_ context.Context, topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTxn {
		return errNoTransaction
	}
	s.staged = append(s.staged, stagedRecord{topic: topic, key: key, value: value})
	return nil
}

// Commit atomically publishes the staged records and advances the group's
// committed offsets. On failure nothing becomes visible.
func (s *Session) Commit(_ context.Context, offsets map[msg.TopicPartition]int64) error {
	if err := s.fenced(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.inTxn {
		s.mu.Unlock()
		return errNoTransaction
	}
	if s.FailCommit != nil {
		err := s.FailCommit
		s.FailCommit = nil
		s.inTxn = false
		s.staged = nil
		s.mu.Unlock()
		return err
	}
	staged := s.staged
	s.inTxn = false
	s.staged = nil
	s.mu.Unlock()

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	// Re-check under the broker lock: a takeover between the check above
	// and here must still prevent publication.
	if s.epoch != s.b.epoch {
		return ErrFenced
	}
	for _, r := range staged {
		tp := msg.TopicPartition{Topic: r.topic, Partition: 0}
		s.b.logs[tp] = append(s.b.logs[tp], Message{
			Key:    r.key,
			Value:  r.value,
			Offset: int64(len(s.b.logs[tp])),
		})
	}
	for tp, next := range offsets {
		s.b.committed[tp] = next
	}
	return nil
}

// Abort discards the open transaction, if any
func (s *Session) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = false
	s.staged = nil
	return nil
}

// Close abandons the session. Staged but uncommitted records are lost,
// which is exactly the crash semantics the tests rely on.
func (s *Session) Close() {
	_ = s.Abort(context.Background())
}

func (s *Session) fenced() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.epoch != s.b.epoch {
		return ErrFenced
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
