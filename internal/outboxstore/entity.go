// Package outboxstore implements the durable outbox table that backs the
// relay: every submitted message is expanded into one OutboxRecord per
// active consumer group and driven through Pending -> Sent -> Acknowledged
// (or Failed) by the dispatch scheduler.
package outboxstore

import (
	"time"
)

// Status is the lifecycle state of an OutboxRecord.
type Status string

const (
	// StatusPending - record is waiting to be dispatched to the broker.
	StatusPending Status = "PENDING"

	// StatusSent - record was published to the broker and awaits acknowledgment.
	StatusSent Status = "SENT"

	// StatusAcknowledged - the target consumer group processed the message. Terminal.
	StatusAcknowledged Status = "ACKNOWLEDGED"

	// StatusFailed - broker publish failed, or retries were exhausted. Terminal.
	StatusFailed Status = "FAILED"
)

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

// Record is a single outbox entry: one message destined for one consumer
// group. A Submit request fans out into one Record per active group
// registered on the topic.
type Record struct {
	ID string `bson:"_id" json:"id"`

	Topic         string `bson:"topic" json:"topic"`
	ConsumerGroup string `bson:"consumerGroup" json:"consumerGroup"`
	Payload       string `bson:"payload" json:"payload"`

	Status Status `bson:"status" json:"status"`

	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
	ProcessedAt       *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
	LastRetryAt       *time.Time `bson:"lastRetryAt,omitempty" json:"lastRetryAt,omitempty"`
	ScheduledRetryAt  *time.Time `bson:"scheduledRetryAt,omitempty" json:"scheduledRetryAt,omitempty"`

	RetryCount   int    `bson:"retryCount" json:"retryCount"`
	ErrorMessage string `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`

	// ProducerServiceID/ProducerInstanceID stamp which producer instance
	// created this record. DispatchPending only dispatches records whose
	// ProducerServiceID equals the running instance's own serviceId -
	// there is no cross-instance contention for the same record.
	ProducerServiceID  string `bson:"producerServiceId" json:"producerServiceId"`
	ProducerInstanceID string `bson:"producerInstanceId" json:"producerInstanceId"`

	// IsRetry marks a record created by RetryScan rather than original intake.
	IsRetry bool `bson:"isRetry" json:"isRetry"`

	// OriginalMessageID links a retry record back to the message it retries.
	OriginalMessageID *string `bson:"originalMessageId,omitempty" json:"originalMessageId,omitempty"`

	// TargetConsumerServiceID, when set, restricts processing to that one
	// consumer instance; any other instance skips and broker-acks without
	// calling the producer back (see consumerproc for enforcement).
	TargetConsumerServiceID *string `bson:"targetConsumerServiceId,omitempty" json:"targetConsumerServiceId,omitempty"`

	IdempotencyKey string `bson:"idempotencyKey" json:"idempotencyKey"`

	// TopicRegistrationID ties the record back to the topic/group pairing
	// that was active at submit time.
	TopicRegistrationID string `bson:"topicRegistrationId" json:"topicRegistrationId"`
}

// IsPending returns true if the record is awaiting dispatch.
func (r *Record) IsPending() bool {
	return r.Status == StatusPending
}

// IsDispatchable returns true if this record is eligible for dispatch by the
// given producer serviceId: it must be Pending and stamped with that
// serviceId.
func (r *Record) IsDispatchable(selfServiceID string) bool {
	return r.Status == StatusPending && r.ProducerServiceID == selfServiceID
}

// CleanupRetention is how long a terminal record is kept before Cleanup
// deletes it.
const CleanupRetention = 7 * 24 * time.Hour
