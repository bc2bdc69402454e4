package broker

import "encoding/json"

// Envelope is the stable wire shape published for every OutboxRecord
// dispatch. Consumers parse this, never the record itself, so the producer
// and consumer can evolve their internal shapes independently.
type Envelope struct {
	MessageID               string  `json:"messageId"`
	Topic                   string  `json:"topic"`
	Payload                 string  `json:"payload"`
	ConsumerGroup           string  `json:"consumerGroup"`
	ProducerServiceID       string  `json:"producerServiceId"`
	ProducerInstanceID      string  `json:"producerInstanceId"`
	IsRetry                 bool    `json:"isRetry"`
	OriginalMessageID       *string `json:"originalMessageId,omitempty"`
	TargetConsumerServiceID *string `json:"targetConsumerServiceId,omitempty"`
	IdempotencyKey          string  `json:"idempotencyKey"`
	RetryCount              int     `json:"retryCount"`
}

// Marshal serializes the envelope for Publish.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes a consumed message's payload back into an Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Subject maps a topic name onto its publish/filter subject, consistent with
// the "outbox.>" wildcard the embedded and external NATS streams subscribe
// to out of the box.
func Subject(topic string) string {
	return "outbox." + topic
}
