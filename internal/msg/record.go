package msg

// Topic names
const (
	TopicOrders           = "orders"
	TopicOrderValidations = "order-validations"
)

// Record represents a consumed Kafka record
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}
