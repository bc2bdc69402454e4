package outboxstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by ID finds no record.
var ErrNotFound = errors.New("outbox record not found")

// Repository defines the interface for outbox data access. A single
// dispatch scheduler instance (the elected leader when multiple producer
// instances share a fleet) polls and mutates records; there is no row
// locking because cross-instance contention is ruled out by filtering on
// producerServiceId.
type Repository interface {
	// Insert persists a batch of new records in one transaction, used by
	// the batching intake flush. On any failure the whole batch is rejected
	// so the caller can requeue it intact.
	Insert(ctx context.Context, records []*Record) error

	// FetchByID looks up a single record, for acknowledgment intake. Returns
	// ErrNotFound if no such record exists.
	FetchByID(ctx context.Context, id string) (*Record, error)

	// FetchPendingForDispatch fetches up to limit Pending records owned by
	// selfServiceID, ordered by createdAt (FIFO).
	FetchPendingForDispatch(ctx context.Context, selfServiceID string, limit int) ([]*Record, error)

	// MarkSent transitions a record to Sent with processedAt=now.
	MarkSent(ctx context.Context, id string, processedAt time.Time) error

	// MarkFailed transitions a record to the terminal Failed status with an
	// error message. Used when a broker publish attempt itself errors -
	// a publish failure is never left Pending, it is always Failed and
	// re-enters the system only via RetryScan creating a fresh retry record.
	MarkFailed(ctx context.Context, id string, errMessage string) error

	// MarkAcknowledged transitions a Sent record to the terminal
	// Acknowledged status.
	MarkAcknowledged(ctx context.Context, id string, processedAt time.Time) error

	// FetchSentOlderThan fetches Sent records whose lastRetryAt (or
	// processedAt if never retried) is older than the cutoff, for RetryScan.
	FetchSentOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)

	// CreateRetry inserts a new Pending record cloned from an original,
	// incrementing retryCount and stamping isRetry/originalMessageId, and
	// marks the stale Sent record terminally Failed with
	// errorMessage="Retrying with {newId}" so it stops being polled.
	CreateRetry(ctx context.Context, original *Record, targetConsumerServiceID *string) (*Record, error)

	// MarkRetryExhausted transitions a record directly to the terminal Failed
	// status with errorMessage="Maximum retry attempts exceeded", without
	// creating a retry (the consumer group's retry budget is exhausted).
	MarkRetryExhausted(ctx context.Context, id string) error

	// FetchTerminalOlderThan fetches terminal (Acknowledged/Failed) records
	// older than the cutoff, for Cleanup.
	FetchTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)

	// DeleteByIDs removes the given records, for Cleanup.
	DeleteByIDs(ctx context.Context, ids []string) error

	// CountByStatus returns the count of records per status, for metrics.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// FetchStuckSince fetches up to limit Pending records created before
	// since, oldest first, whatever their producerServiceId. It does not
	// check whether the owning producer is still active.
	FetchStuckSince(ctx context.Context, since time.Time, limit int) ([]*Record, error)

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error

	// CreateSchema creates the outbox table/collection and its indexes if
	// they don't already exist.
	CreateSchema(ctx context.Context) error
}
