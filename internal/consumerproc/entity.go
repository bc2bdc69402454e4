// Package consumerproc runs the consumer-side poll loop: one long-lived
// loop per (consumer group, topic set), deduplicating by (messageId,
// consumerGroup) and reporting outcomes back to the producer.
package consumerproc

import "time"

// ProcessedMessage records a successfully handled delivery. The
// (MessageID, ConsumerGroup) pair is the dedup key: a unique-violation on
// insert means a redelivery of an already-handled message, treated as
// idempotent success rather than an error.
type ProcessedMessage struct {
	MessageID          string    `json:"messageId"`
	ConsumerGroup      string    `json:"consumerGroup"`
	Topic              string    `json:"topic"`
	ProcessedAt        time.Time `json:"processedAt"`
	Payload            string    `json:"payload,omitempty"`
	ProducerServiceID  string    `json:"producerServiceId"`
	ProducerInstanceID string    `json:"producerInstanceId"`
	ConsumerServiceID  string    `json:"consumerServiceId"`
	ConsumerInstanceID string    `json:"consumerInstanceId"`
	IdempotencyKey     string    `json:"idempotencyKey"`
}

// FailedMessage records a delivery the processor callback rejected.
type FailedMessage struct {
	ID                 string    `json:"id"`
	MessageID          string    `json:"messageId"`
	ConsumerGroup      string    `json:"consumerGroup"`
	Topic              string    `json:"topic"`
	Payload            string    `json:"payload,omitempty"`
	ProducerServiceID  string    `json:"producerServiceId"`
	ProducerInstanceID string    `json:"producerInstanceId"`
	ConsumerServiceID  string    `json:"consumerServiceId"`
	ConsumerInstanceID string    `json:"consumerInstanceId"`
	IdempotencyKey     string    `json:"idempotencyKey"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
	FailedAt           time.Time `json:"failedAt"`
	RetryCount         int       `json:"retryCount"`
}
