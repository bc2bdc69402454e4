package topicregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/outboxrelay/relay/internal/common/tsid"
)

const (
	topicsTable = "topics"
	groupsTable = "consumer_groups"
)

// PostgresRepository implements Repository against PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) RegisterTopic(ctx context.Context, name, description string, groups []NewGroup) (*Topic, []*ConsumerGroup, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin register topic: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+topicsTable+` WHERE name = $1)`, name).Scan(&exists); err != nil {
		return nil, nil, fmt.Errorf("check topic exists: %w", err)
	}
	if exists {
		return nil, nil, ErrTopicExists
	}

	topic := &Topic{ID: tsid.Generate(), Name: name, Description: description, Active: true, CreatedAt: time.Now()}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+topicsTable+` (id, name, description, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, topic.ID, topic.Name, topic.Description, topic.Active, topic.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert topic: %w", err)
	}

	created := make([]*ConsumerGroup, 0, len(groups))
	for _, g := range groups {
		group := newGroupEntity(topic.ID, g)
		if _, err := tx.ExecContext(ctx, insertGroupSQL, group.ID, group.TopicID, group.Name, group.RequiresAck,
			group.Active, group.AckTimeoutMinutes, group.MaxRetries, group.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("insert consumer group %s: %w", g.Name, err)
		}
		created = append(created, group)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit register topic: %w", err)
	}
	return topic, created, nil
}

const insertGroupSQL = `
	INSERT INTO ` + groupsTable + `
		(id, topic_id, name, requires_ack, active, ack_timeout_minutes, max_retries, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func newGroupEntity(topicID string, g NewGroup) *ConsumerGroup {
	ackTimeout := g.AckTimeoutMinutes
	if ackTimeout == 0 {
		ackTimeout = DefaultAckTimeoutMinutes
	}
	maxRetries := g.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &ConsumerGroup{
		ID:                tsid.Generate(),
		TopicID:           topicID,
		Name:              g.Name,
		RequiresAck:       g.RequiresAck,
		Active:            true,
		AckTimeoutMinutes: ackTimeout,
		MaxRetries:        maxRetries,
		CreatedAt:         time.Now(),
	}
}

func (r *PostgresRepository) AddConsumerGroup(ctx context.Context, topicID string, g NewGroup) (*ConsumerGroup, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+groupsTable+` WHERE topic_id = $1 AND name = $2)`, topicID, g.Name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check group exists: %w", err)
	}
	if exists {
		return nil, ErrGroupExists
	}

	group := newGroupEntity(topicID, g)
	_, err = r.db.ExecContext(ctx, insertGroupSQL, group.ID, group.TopicID, group.Name, group.RequiresAck,
		group.Active, group.AckTimeoutMinutes, group.MaxRetries, group.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert consumer group: %w", err)
	}
	return group, nil
}

func (r *PostgresRepository) DeactivateTopic(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `UPDATE `+topicsTable+` SET active = false, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("deactivate topic %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) DeactivateConsumerGroup(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `UPDATE `+groupsTable+` SET active = false, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("deactivate consumer group %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) GetTopicByName(ctx context.Context, name string) (*Topic, error) {
	var t Topic
	var updatedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, active, created_at, updated_at FROM `+topicsTable+` WHERE name = $1
	`, name).Scan(&t.ID, &t.Name, &t.Description, &t.Active, &t.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get topic by name %s: %w", name, err)
	}
	if updatedAt.Valid {
		t.UpdatedAt = &updatedAt.Time
	}
	return &t, nil
}

func (r *PostgresRepository) GetConsumerGroupByID(ctx context.Context, id string) (*ConsumerGroup, error) {
	var g ConsumerGroup
	var updatedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, topic_id, name, requires_ack, active, ack_timeout_minutes, max_retries, created_at, updated_at
		FROM `+groupsTable+` WHERE id = $1
	`, id).Scan(&g.ID, &g.TopicID, &g.Name, &g.RequiresAck, &g.Active, &g.AckTimeoutMinutes, &g.MaxRetries, &g.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consumer group by id %s: %w", id, err)
	}
	if updatedAt.Valid {
		g.UpdatedAt = &updatedAt.Time
	}
	return &g, nil
}

func (r *PostgresRepository) ListActiveGroups(ctx context.Context, topicName string) ([]*ConsumerGroup, error) {
	return r.listGroups(ctx, topicName, false)
}

func (r *PostgresRepository) ListAllGroups(ctx context.Context, topicName string, includeInactive bool) ([]*ConsumerGroup, error) {
	return r.listGroups(ctx, topicName, includeInactive)
}

func (r *PostgresRepository) listGroups(ctx context.Context, topicName string, includeInactive bool) ([]*ConsumerGroup, error) {
	query := `
		SELECT g.id, g.topic_id, g.name, g.requires_ack, g.active, g.ack_timeout_minutes, g.max_retries, g.created_at, g.updated_at
		FROM ` + groupsTable + ` g
		JOIN ` + topicsTable + ` t ON t.id = g.topic_id
		WHERE t.name = $1
	`
	if !includeInactive {
		query += ` AND g.active = true`
	}

	rows, err := r.db.QueryContext(ctx, query, topicName)
	if err != nil {
		return nil, fmt.Errorf("list groups for topic %s: %w", topicName, err)
	}
	defer rows.Close()

	var groups []*ConsumerGroup
	for rows.Next() {
		var g ConsumerGroup
		var updatedAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.TopicID, &g.Name, &g.RequiresAck, &g.Active, &g.AckTimeoutMinutes, &g.MaxRetries, &g.CreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan consumer group: %w", err)
		}
		if updatedAt.Valid {
			g.UpdatedAt = &updatedAt.Time
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + topicsTable + ` (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS ` + groupsTable + ` (
			id TEXT PRIMARY KEY,
			topic_id TEXT NOT NULL REFERENCES ` + topicsTable + `(id),
			name TEXT NOT NULL,
			requires_ack BOOLEAN NOT NULL DEFAULT true,
			active BOOLEAN NOT NULL DEFAULT true,
			ack_timeout_minutes INT NOT NULL,
			max_retries INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ,
			UNIQUE (topic_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consumer_groups_topic_active ON ` + groupsTable + ` (topic_id) WHERE active = true`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create topic registry schema: %w", err)
		}
	}
	return nil
}
