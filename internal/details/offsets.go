package details

import "github.com/ismaiel54/order-details-service/internal/msg"

// OffsetTracker accumulates the next-offset-to-commit per partition for a
// single batch. It is rebuilt empty at the start of every batch and only
// lives until the batch's transaction commits.
type OffsetTracker struct {
	next map[msg.TopicPartition]int64
}

// NewOffsetTracker creates an empty tracker
func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{next: make(map[msg.TopicPartition]int64)}
}

// Record notes that the record at offset on the given partition was
// consumed, setting the partition's pending commit to offset+1. Records
// are processed in poll order, so the last write for a partition wins.
func (t *OffsetTracker) Record(topic string, partition int32, offset int64) {
	t.next[msg.TopicPartition{Topic: topic, Partition: partition}] = offset + 1
}

// Drain returns the accumulated mapping
func (t *OffsetTracker) Drain() map[msg.TopicPartition]int64 {
	return t.next
}
