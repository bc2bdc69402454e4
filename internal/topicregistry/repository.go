package topicregistry

import (
	"context"
	"errors"
)

var (
	// ErrTopicExists is returned by RegisterTopic when the name is taken.
	ErrTopicExists = errors.New("topic already registered")
	// ErrTopicNotFound is returned when a lookup by name or id fails.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrGroupExists is returned when (topicId, name) collides.
	ErrGroupExists = errors.New("consumer group already registered on this topic")
	// ErrGroupNotFound is returned when a lookup by id fails.
	ErrGroupNotFound = errors.New("consumer group not found")
)

// Repository is the catalog of topics and their consumer groups.
type Repository interface {
	// RegisterTopic creates a topic and its initial groups atomically,
	// failing with ErrTopicExists if the name is taken.
	RegisterTopic(ctx context.Context, name, description string, groups []NewGroup) (*Topic, []*ConsumerGroup, error)

	// AddConsumerGroup adds a group to an existing topic, failing with
	// ErrGroupExists on a (topicId, name) collision.
	AddConsumerGroup(ctx context.Context, topicID string, group NewGroup) (*ConsumerGroup, error)

	// DeactivateTopic sets active=false, preserving history.
	DeactivateTopic(ctx context.Context, id string) error

	// DeactivateConsumerGroup sets active=false, preserving history.
	DeactivateConsumerGroup(ctx context.Context, id string) error

	GetTopicByName(ctx context.Context, name string) (*Topic, error)

	// GetConsumerGroupByID looks up a single consumer group by id, for
	// resolving an OutboxRecord's topicRegistrationId back to its
	// ackTimeoutMinutes/maxRetries policy during RetryScan. Returns
	// ErrGroupNotFound if no such group exists.
	GetConsumerGroupByID(ctx context.Context, id string) (*ConsumerGroup, error)

	// ListActiveGroups returns the active consumer groups for a topic by name.
	ListActiveGroups(ctx context.Context, topicName string) ([]*ConsumerGroup, error)

	// ListAllGroups returns every group for a topic, optionally including
	// inactive ones.
	ListAllGroups(ctx context.Context, topicName string, includeInactive bool) ([]*ConsumerGroup, error)

	Ping(ctx context.Context) error
	CreateSchema(ctx context.Context) error
}

// NewGroup describes a consumer group to register, with zero values
// defaulting to DefaultAckTimeoutMinutes/DefaultMaxRetries.
type NewGroup struct {
	Name              string
	RequiresAck       bool
	AckTimeoutMinutes int
	MaxRetries        int
}
