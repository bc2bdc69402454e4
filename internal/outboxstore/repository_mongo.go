package outboxstore

import (
	"context"
	"fmt"
	"time"

	commonmongo "github.com/outboxrelay/relay/internal/common/mongo"
	"github.com/outboxrelay/relay/internal/common/tsid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the outbox collection name in MongoDB.
const CollectionName = "outbox_records"

// MongoRepository implements Repository for MongoDB, for deployments that
// choose the document-store backend over Postgres. Uses simple
// find/updateMany - no findOneAndUpdate loop - for the same reason the
// Postgres repository avoids row locking: only the elected leader instance
// polls.
type MongoRepository struct {
	client     *commonmongo.Client
	collection *mongo.Collection
}

// NewMongoRepository creates a new MongoDB outbox repository on top of a
// shared connection, reusing its Unit-of-Work transaction helper for the
// retry/fail fan-out in CreateRetry rather than managing driver sessions
// directly.
func NewMongoRepository(client *commonmongo.Client) *MongoRepository {
	return &MongoRepository{client: client, collection: client.Collection(CollectionName)}
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *MongoRepository) Insert(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i, rec := range records {
		docs[i] = rec
	}
	err := r.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		_, err := r.collection.InsertMany(sessCtx, docs)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *MongoRepository) FetchByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch by id %s: %w", id, err)
	}
	return &rec, nil
}

func (r *MongoRepository) FetchPendingForDispatch(ctx context.Context, selfServiceID string, limit int) ([]*Record, error) {
	filter := bson.M{"status": string(StatusPending), "producerServiceId": selfServiceID}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch pending for dispatch: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeRecords(ctx, cursor)
}

func (r *MongoRepository) MarkSent(ctx context.Context, id string, processedAt time.Time) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"status": string(StatusSent), "processedAt": processedAt},
	})
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepository) MarkFailed(ctx context.Context, id string, errMessage string) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"status": string(StatusFailed), "errorMessage": errMessage, "lastRetryAt": time.Now()},
		"$inc": bson.M{"retryCount": 1},
	})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepository) MarkAcknowledged(ctx context.Context, id string, processedAt time.Time) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"status": string(StatusAcknowledged), "processedAt": processedAt},
	})
	if err != nil {
		return fmt.Errorf("mark acknowledged %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepository) FetchSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	filter := bson.M{
		"status": string(StatusSent),
		"$or": []bson.M{
			{"lastRetryAt": bson.M{"$lt": cutoff}},
			{"lastRetryAt": bson.M{"$exists": false}, "processedAt": bson.M{"$lt": cutoff}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch sent older than: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeRecords(ctx, cursor)
}

func (r *MongoRepository) CreateRetry(ctx context.Context, original *Record, targetConsumerServiceID *string) (*Record, error) {
	now := time.Now()
	originalID := original.ID
	retry := &Record{
		ID:                      tsid.Generate(),
		Topic:                   original.Topic,
		ConsumerGroup:           original.ConsumerGroup,
		Payload:                 original.Payload,
		Status:                  StatusPending,
		CreatedAt:               now,
		RetryCount:              original.RetryCount + 1,
		ProducerServiceID:       original.ProducerServiceID,
		ProducerInstanceID:      original.ProducerInstanceID,
		IsRetry:                 true,
		OriginalMessageID:       &originalID,
		TargetConsumerServiceID: targetConsumerServiceID,
		IdempotencyKey:          original.IdempotencyKey,
		TopicRegistrationID:     original.TopicRegistrationID,
	}

	err := r.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if _, err := r.collection.InsertOne(sessCtx, retry); err != nil {
			return fmt.Errorf("insert retry record: %w", err)
		}
		if _, err := r.collection.UpdateByID(sessCtx, original.ID, bson.M{
			"$set": bson.M{
				"status":       string(StatusFailed),
				"errorMessage": fmt.Sprintf("Retrying with %s", retry.ID),
				"lastRetryAt":  now,
			},
		}); err != nil {
			return fmt.Errorf("fail original record %s: %w", original.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return retry, nil
}

func (r *MongoRepository) MarkRetryExhausted(ctx context.Context, id string) error {
	_, err := r.collection.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"status":       string(StatusFailed),
		"errorMessage": "Maximum retry attempts exceeded",
	}})
	if err != nil {
		return fmt.Errorf("mark retry exhausted %s: %w", id, err)
	}
	return nil
}

func (r *MongoRepository) FetchTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	filter := bson.M{
		"status":    bson.M{"$in": []string{string(StatusAcknowledged), string(StatusFailed)}},
		"createdAt": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch terminal older than: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeRecords(ctx, cursor)
}

func (r *MongoRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("delete by ids: %w", err)
	}
	return nil
}

func (r *MongoRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[Status]int64)
	for cursor.Next(ctx) {
		var doc struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode status count: %w", err)
		}
		counts[Status(doc.ID)] = doc.Count
	}
	return counts, cursor.Err()
}

func (r *MongoRepository) FetchStuckSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	filter := bson.M{"status": string(StatusPending), "createdAt": bson.M{"$lt": since}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck since: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeRecords(ctx, cursor)
}

func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	initializer := commonmongo.NewIndexInitializer(r.client, commonmongo.OutboxRecordIndexes(CollectionName))
	return initializer.Initialize(ctx)
}

func decodeRecords(ctx context.Context, cursor *mongo.Cursor) ([]*Record, error) {
	var records []*Record
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, cursor.Err()
}
