package consumerproc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/outboxrelay/relay/internal/common/tsid"
)

// ErrAlreadyProcessed is returned by MarkProcessed on a duplicate delivery -
// the (messageId, consumerGroup) pair was already recorded, so the caller
// should treat this as idempotent success, not an error.
var ErrAlreadyProcessed = errors.New("message already processed for this consumer group")

// Store is the consumer-side dedup table: Processed/Failed outcomes keyed
// by (messageId, consumerGroup).
type Store interface {
	// IsProcessed reports whether (messageID, consumerGroup) already has a
	// recorded successful outcome.
	IsProcessed(ctx context.Context, messageID, consumerGroup string) (bool, error)

	// MarkProcessed records a successful delivery. Returns ErrAlreadyProcessed
	// on a duplicate rather than an error - at-least-once delivery means
	// redeliveries of an already-handled message are expected.
	MarkProcessed(ctx context.Context, msg ProcessedMessage) error

	// MarkFailed records a delivery the processor callback rejected.
	MarkFailed(ctx context.Context, msg FailedMessage) error

	Ping(ctx context.Context) error
	CreateSchema(ctx context.Context) error
}

const processedTable = "consumer_processed_messages"
const failedTable = "consumer_failed_messages"

// PostgresStore implements Store for PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) IsProcessed(ctx context.Context, messageID, consumerGroup string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+processedTable+` WHERE message_id = $1 AND consumer_group = $2)`,
		messageID, consumerGroup,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", messageID, consumerGroup, err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, msg ProcessedMessage) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO `+processedTable+`
			(message_id, consumer_group, topic, processed_at, payload,
			 producer_service_id, producer_instance_id, consumer_service_id, consumer_instance_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id, consumer_group) DO NOTHING
	`, msg.MessageID, msg.ConsumerGroup, msg.Topic, msg.ProcessedAt, msg.Payload,
		msg.ProducerServiceID, msg.ProducerInstanceID, msg.ConsumerServiceID, msg.ConsumerInstanceID, msg.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", msg.MessageID, msg.ConsumerGroup, err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, msg FailedMessage) error {
	if msg.ID == "" {
		msg.ID = tsid.Generate()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+failedTable+`
			(id, message_id, consumer_group, topic, payload, producer_service_id, producer_instance_id,
			 consumer_service_id, consumer_instance_id, idempotency_key, error_message, failed_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, msg.ID, msg.MessageID, msg.ConsumerGroup, msg.Topic, msg.Payload, msg.ProducerServiceID, msg.ProducerInstanceID,
		msg.ConsumerServiceID, msg.ConsumerInstanceID, msg.IdempotencyKey, msg.ErrorMessage, msg.FailedAt, msg.RetryCount)
	if err != nil {
		return fmt.Errorf("mark failed %s/%s: %w", msg.MessageID, msg.ConsumerGroup, err)
	}
	return nil
}

func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + processedTable + ` (
			message_id VARCHAR(64) NOT NULL,
			consumer_group VARCHAR(255) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			payload TEXT,
			producer_service_id VARCHAR(255) NOT NULL,
			producer_instance_id VARCHAR(255) NOT NULL,
			consumer_service_id VARCHAR(255) NOT NULL,
			consumer_instance_id VARCHAR(255) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			PRIMARY KEY (message_id, consumer_group)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + failedTable + ` (
			id VARCHAR(32) PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			consumer_group VARCHAR(255) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			payload TEXT,
			producer_service_id VARCHAR(255) NOT NULL,
			producer_instance_id VARCHAR(255) NOT NULL,
			consumer_service_id VARCHAR(255) NOT NULL,
			consumer_instance_id VARCHAR(255) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			error_message TEXT,
			failed_at TIMESTAMPTZ NOT NULL,
			retry_count INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consumer_failed_message ON ` + failedTable + ` (message_id, consumer_group)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create consumerproc schema: %w", err)
		}
	}
	return nil
}
