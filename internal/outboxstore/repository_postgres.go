package outboxstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	commonrepo "github.com/outboxrelay/relay/internal/common/repository"
	"github.com/outboxrelay/relay/internal/common/tsid"
)

// TableName is the outbox table name in Postgres.
const TableName = "outbox_records"

// PostgresRepository implements Repository for PostgreSQL using plain
// SELECT/UPDATE statements - no row locking. Safe because the dispatch
// scheduler only ever polls for its own producerServiceId and only the
// elected leader instance runs the scheduler when it is horizontally scaled.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL outbox repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Insert(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	return commonrepo.InstrumentVoid(ctx, TableName, "insert", func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO `+TableName+`
				(id, topic, consumer_group, payload, status, created_at, retry_count,
				 producer_service_id, producer_instance_id, is_retry, original_message_id,
				 target_consumer_service_id, idempotency_key, topic_registration_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx,
				rec.ID, rec.Topic, rec.ConsumerGroup, rec.Payload, string(rec.Status), rec.CreatedAt, rec.RetryCount,
				rec.ProducerServiceID, rec.ProducerInstanceID, rec.IsRetry, rec.OriginalMessageID,
				rec.TargetConsumerServiceID, rec.IdempotencyKey, rec.TopicRegistrationID,
			); err != nil {
				return fmt.Errorf("insert record %s: %w", rec.ID, err)
			}
		}

		return tx.Commit()
	})
}

func (r *PostgresRepository) FetchByID(ctx context.Context, id string) (*Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+TableName+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("fetch by id %s: %w", id, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (r *PostgresRepository) FetchPendingForDispatch(ctx context.Context, selfServiceID string, limit int) ([]*Record, error) {
	return commonrepo.Instrument(ctx, TableName, "fetch_pending_for_dispatch", func() ([]*Record, error) {
		rows, err := r.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM `+TableName+`
			WHERE status = $1 AND producer_service_id = $2
			ORDER BY created_at
			LIMIT $3
		`, string(StatusPending), selfServiceID, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch pending for dispatch: %w", err)
		}
		defer rows.Close()
		return scanRecords(rows)
	})
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id string, processedAt time.Time) error {
	return commonrepo.InstrumentVoid(ctx, TableName, "mark_sent", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE `+TableName+` SET status = $1, processed_at = $2 WHERE id = $3
		`, string(StatusSent), processedAt, id)
		if err != nil {
			return fmt.Errorf("mark sent %s: %w", id, err)
		}
		return nil
	})
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, errMessage string) error {
	return commonrepo.InstrumentVoid(ctx, TableName, "mark_failed", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE `+TableName+` SET status = $1, error_message = $2, retry_count = retry_count + 1, last_retry_at = $3 WHERE id = $4
		`, string(StatusFailed), errMessage, time.Now(), id)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", id, err)
		}
		return nil
	})
}

func (r *PostgresRepository) MarkAcknowledged(ctx context.Context, id string, processedAt time.Time) error {
	return commonrepo.InstrumentVoid(ctx, TableName, "mark_acknowledged", func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE `+TableName+` SET status = $1, processed_at = $2 WHERE id = $3
		`, string(StatusAcknowledged), processedAt, id)
		if err != nil {
			return fmt.Errorf("mark acknowledged %s: %w", id, err)
		}
		return nil
	})
}

func (r *PostgresRepository) FetchSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM `+TableName+`
		WHERE status = $1 AND COALESCE(last_retry_at, processed_at) < $2
		ORDER BY created_at
		LIMIT $3
	`, string(StatusSent), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch sent older than: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) CreateRetry(ctx context.Context, original *Record, targetConsumerServiceID *string) (*Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create retry: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
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
		OriginalMessageID:       originalID(original),
		TargetConsumerServiceID: targetConsumerServiceID,
		IdempotencyKey:          original.IdempotencyKey,
		TopicRegistrationID:     original.TopicRegistrationID,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+TableName+`
			(id, topic, consumer_group, payload, status, created_at, retry_count,
			 producer_service_id, producer_instance_id, is_retry, original_message_id,
			 target_consumer_service_id, idempotency_key, topic_registration_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		retry.ID, retry.Topic, retry.ConsumerGroup, retry.Payload, string(retry.Status), retry.CreatedAt, retry.RetryCount,
		retry.ProducerServiceID, retry.ProducerInstanceID, retry.IsRetry, retry.OriginalMessageID,
		retry.TargetConsumerServiceID, retry.IdempotencyKey, retry.TopicRegistrationID,
	); err != nil {
		return nil, fmt.Errorf("insert retry record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+TableName+` SET status = $1, error_message = $2, last_retry_at = $3 WHERE id = $4
	`, string(StatusFailed), fmt.Sprintf("Retrying with %s", retry.ID), now, original.ID); err != nil {
		return nil, fmt.Errorf("fail original record %s: %w", original.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create retry: %w", err)
	}

	return retry, nil
}

func originalID(r *Record) *string {
	id := r.ID
	return &id
}

func (r *PostgresRepository) MarkRetryExhausted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE `+TableName+` SET status = $1, error_message = $2 WHERE id = $3
	`, string(StatusFailed), "Maximum retry attempts exceeded", id)
	if err != nil {
		return fmt.Errorf("mark retry exhausted %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) FetchTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM `+TableName+`
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4
	`, string(StatusAcknowledged), string(StatusFailed), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch terminal older than: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, TableName, strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete by ids: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+TableName+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) FetchStuckSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM `+TableName+`
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, string(StatusPending), since, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck since: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+TableName+` (
			id VARCHAR(26) PRIMARY KEY,
			topic VARCHAR(255) NOT NULL,
			consumer_group VARCHAR(255) NOT NULL,
			payload TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			last_retry_at TIMESTAMPTZ,
			scheduled_retry_at TIMESTAMPTZ,
			retry_count SMALLINT NOT NULL DEFAULT 0,
			error_message TEXT,
			producer_service_id VARCHAR(255) NOT NULL,
			producer_instance_id VARCHAR(255) NOT NULL,
			is_retry BOOLEAN NOT NULL DEFAULT FALSE,
			original_message_id VARCHAR(26),
			target_consumer_service_id VARCHAR(255),
			idempotency_key VARCHAR(255) NOT NULL,
			topic_registration_id VARCHAR(26) NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_outbox_dispatch ON ` + TableName + `(producer_service_id, status, created_at) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_retry_scan ON ` + TableName + `(status, last_retry_at) WHERE status = 'SENT'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_cleanup ON ` + TableName + `(status, created_at) WHERE status IN ('ACKNOWLEDGED', 'FAILED', 'EXPIRED')`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_idempotency ON ` + TableName + `(idempotency_key)`,
	}
	for _, idx := range indexes {
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, topic, consumer_group, payload, status, created_at, processed_at,
	last_retry_at, scheduled_retry_at, retry_count, error_message, producer_service_id,
	producer_instance_id, is_retry, original_message_id, target_consumer_service_id,
	idempotency_key, topic_registration_id`

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var rec Record
		var status string
		var processedAt, lastRetryAt, scheduledRetryAt sql.NullTime
		var errorMessage sql.NullString
		var originalMessageID, targetConsumerServiceID sql.NullString

		err := rows.Scan(
			&rec.ID, &rec.Topic, &rec.ConsumerGroup, &rec.Payload, &status, &rec.CreatedAt, &processedAt,
			&lastRetryAt, &scheduledRetryAt, &rec.RetryCount, &errorMessage, &rec.ProducerServiceID,
			&rec.ProducerInstanceID, &rec.IsRetry, &originalMessageID, &targetConsumerServiceID,
			&rec.IdempotencyKey, &rec.TopicRegistrationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec.Status = Status(status)
		if processedAt.Valid {
			rec.ProcessedAt = &processedAt.Time
		}
		if lastRetryAt.Valid {
			rec.LastRetryAt = &lastRetryAt.Time
		}
		if scheduledRetryAt.Valid {
			rec.ScheduledRetryAt = &scheduledRetryAt.Time
		}
		if errorMessage.Valid {
			rec.ErrorMessage = errorMessage.String
		}
		if originalMessageID.Valid {
			id := originalMessageID.String
			rec.OriginalMessageID = &id
		}
		if targetConsumerServiceID.Valid {
			id := targetConsumerServiceID.String
			rec.TargetConsumerServiceID = &id
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}
