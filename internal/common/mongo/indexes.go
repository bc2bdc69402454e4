package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index.
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup. Repositories that need more
// than a couple of indexes (partial filters, TTLs) wire their definitions
// through this instead of hand-rolling a CreateMany call each.
type IndexInitializer struct {
	client      *Client
	definitions []IndexDefinition
}

// NewIndexInitializer creates a new index initializer for the given
// definitions.
func NewIndexInitializer(client *Client, definitions []IndexDefinition) *IndexInitializer {
	return &IndexInitializer{client: client, definitions: definitions}
}

// Initialize creates all configured indexes, logging (not failing) on
// individual conflicts since a pre-existing index with the same keys is not
// an error worth stopping startup over.
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	for _, idx := range i.definitions {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("failed to create index (may already exist)",
				"error", err, "collection", idx.Collection)
		}
	}
	slog.Info("index initialization complete", "count", len(i.definitions))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	})
	return err
}

// OutboxRecordIndexes are the indexes the dispatch scheduler's query patterns
// depend on: producerServiceId+status+createdAt for the dispatch scan,
// status+lastRetryAt for the sent-record retry sweep, and idempotencyKey for
// submission dedup lookups. Mirrors outboxstore.MongoRepository.CreateSchema.
func OutboxRecordIndexes(collection string) []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: collection,
			Keys:       bson.D{{Key: "producerServiceId", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().
				SetName("idx_dispatch").
				SetPartialFilterExpression(bson.M{"status": "PENDING"}),
		},
		{
			Collection: collection,
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "lastRetryAt", Value: 1}},
			Options: options.Index().
				SetName("idx_retry_scan").
				SetPartialFilterExpression(bson.M{"status": "SENT"}),
		},
		{
			Collection: collection,
			Keys:       bson.D{{Key: "idempotencyKey", Value: 1}},
			Options:    options.Index().SetName("idx_idempotency"),
		},
	}
}
