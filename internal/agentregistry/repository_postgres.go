package agentregistry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/outboxrelay/relay/internal/common/tsid"
)

const (
	agentsTable       = "agents"
	healthChecksTable = "agent_health_checks"
)

// PostgresRepository implements Repository against PostgreSQL. Assigned
// groups/topics are stored as a comma-joined column and matched in Go after
// fetching role-filtered candidates, since the relay targets both the
// Postgres and MongoDB backends and keeps array handling out of the SQL
// driver layer.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Register(ctx context.Context, role Role, req RegisterRequest) (*Agent, error) {
	now := time.Now()

	var existingID string
	var existingStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `SELECT id, started_at FROM `+agentsTable+` WHERE service_id = $1`, req.ServiceID).
		Scan(&existingID, &existingStartedAt)

	agent := &Agent{
		ID:                     existingID,
		Role:                   role,
		ServiceID:              req.ServiceID,
		InstanceID:             req.InstanceID,
		ServiceName:            req.ServiceName,
		Host:                   req.Host,
		IP:                     req.IP,
		Port:                   req.Port,
		BaseURL:                req.BaseURL,
		Status:                 StatusActive,
		StartedAt:              now,
		LastHeartbeat:          now,
		Version:                req.Version,
		Metadata:               req.Metadata,
		AssignedConsumerGroups: req.AssignedConsumerGroups,
		AssignedTopics:         req.AssignedTopics,
	}

	if err == sql.ErrNoRows {
		agent.ID = tsid.Generate()
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO `+agentsTable+`
				(id, role, service_id, instance_id, service_name, host, ip, port, base_url,
				 status, started_at, last_heartbeat, version, assigned_consumer_groups, assigned_topics)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, agent.ID, string(role), agent.ServiceID, agent.InstanceID, agent.ServiceName, agent.Host, agent.IP, agent.Port,
			agent.BaseURL, string(agent.Status), agent.StartedAt, agent.LastHeartbeat, agent.Version,
			strings.Join(agent.AssignedConsumerGroups, ","), strings.Join(agent.AssignedTopics, ","))
		if err != nil {
			return nil, fmt.Errorf("insert agent %s: %w", agent.ServiceID, err)
		}
		return agent, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agent %s: %w", req.ServiceID, err)
	}

	agent.StartedAt = existingStartedAt
	_, err = r.db.ExecContext(ctx, `
		UPDATE `+agentsTable+` SET
			instance_id = $2, service_name = $3, host = $4, ip = $5, port = $6, base_url = $7,
			status = $8, last_heartbeat = $9, version = $10, assigned_consumer_groups = $11, assigned_topics = $12
		WHERE id = $1
	`, agent.ID, agent.InstanceID, agent.ServiceName, agent.Host, agent.IP, agent.Port, agent.BaseURL,
		string(StatusActive), agent.LastHeartbeat, agent.Version,
		strings.Join(agent.AssignedConsumerGroups, ","), strings.Join(agent.AssignedTopics, ","))
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", agent.ServiceID, err)
	}
	return agent, nil
}

func (r *PostgresRepository) UpdateHeartbeat(ctx context.Context, serviceID, instanceID string, status Status, health HealthStatus, message string, healthData map[string]any) error {
	now := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin heartbeat: %w", err)
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `
		UPDATE `+agentsTable+` SET status = $3, last_heartbeat = $4
		WHERE service_id = $1 AND instance_id = $2
		RETURNING role
	`, serviceID, instanceID, string(status), now).Scan(&role)
	if err != nil {
		return fmt.Errorf("update heartbeat for %s/%s: %w", serviceID, instanceID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+healthChecksTable+`
			(id, service_id, instance_id, role, status, checked_at, status_message, response_time_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, tsid.Generate(), serviceID, instanceID, role, string(health), now, message, responseTimeFromHealthData(healthData))
	if err != nil {
		return fmt.Errorf("append health check record: %w", err)
	}

	return tx.Commit()
}

func responseTimeFromHealthData(data map[string]any) int64 {
	if v, ok := data["responseTimeMs"]; ok {
		if i, ok := v.(int64); ok {
			return i
		}
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	}
	return 0
}

func (r *PostgresRepository) GetActiveAgents(ctx context.Context, role Role, staleness time.Duration) ([]*Agent, error) {
	cutoff := time.Now().Add(-staleness)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM `+agentsTable+`
		WHERE role = $1 AND status = $2 AND last_heartbeat >= $3
		ORDER BY last_heartbeat DESC
	`, string(role), string(StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("get active agents role=%s: %w", role, err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (r *PostgresRepository) GetHealthyConsumersForGroup(ctx context.Context, group string) ([]*Agent, error) {
	candidates, err := r.GetActiveAgents(ctx, RoleConsumer, DefaultStalenessWindow)
	if err != nil {
		return nil, err
	}
	var matched []*Agent
	for _, a := range candidates {
		if containsString(a.AssignedConsumerGroups, group) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

func (r *PostgresRepository) GetBestConsumerForTopic(ctx context.Context, topic string) (*Agent, error) {
	candidates, err := r.GetActiveAgents(ctx, RoleConsumer, DefaultStalenessWindow)
	if err != nil {
		return nil, err
	}

	var matched []*Agent
	for _, a := range candidates {
		if containsString(a.AssignedTopics, topic) {
			matched = append(matched, a)
		}
	}
	if len(matched) == 0 {
		return nil, ErrAgentNotFound
	}

	type scored struct {
		agent         *Agent
		failureCount  int
		load          int64
	}
	ranked := make([]scored, 0, len(matched))
	for _, a := range matched {
		failures, err := r.RecentFailureCount(ctx, a.ServiceID, DefaultStalenessWindow)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, scored{agent: a, failureCount: failures, load: pendingCountFromMetadata(a.Metadata)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].failureCount != ranked[j].failureCount {
			return ranked[i].failureCount < ranked[j].failureCount
		}
		if ranked[i].load != ranked[j].load {
			return ranked[i].load < ranked[j].load
		}
		return ranked[i].agent.LastHeartbeat.After(ranked[j].agent.LastHeartbeat)
	})

	return ranked[0].agent, nil
}

func pendingCountFromMetadata(metadata map[string]string) int64 {
	v, ok := metadata["pendingMessagesCount"]
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}

func (r *PostgresRepository) GetHealthiestProducer(ctx context.Context) (*Agent, error) {
	producers, err := r.GetActiveAgents(ctx, RoleProducer, DefaultStalenessWindow)
	if err != nil {
		return nil, err
	}
	if len(producers) == 0 {
		return nil, ErrAgentNotFound
	}
	// Heartbeat frequency is the number of health-check rows each producer
	// appended within the staleness window; ties go to the latest heartbeat.
	cutoff := time.Now().Add(-DefaultStalenessWindow)
	beats := make(map[string]int, len(producers))
	for _, p := range producers {
		var n int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+healthChecksTable+`
			WHERE service_id = $1 AND checked_at >= $2`, p.ServiceID, cutoff).Scan(&n); err != nil {
			return nil, fmt.Errorf("heartbeat count for %s: %w", p.ServiceID, err)
		}
		beats[p.ServiceID] = n
	}
	sort.Slice(producers, func(i, j int) bool {
		if beats[producers[i].ServiceID] != beats[producers[j].ServiceID] {
			return beats[producers[i].ServiceID] > beats[producers[j].ServiceID]
		}
		return producers[i].LastHeartbeat.After(producers[j].LastHeartbeat)
	})
	return producers[0], nil
}

func (r *PostgresRepository) CleanupInactiveAgents(ctx context.Context, terminationThreshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-terminationThreshold)
	result, err := r.db.ExecContext(ctx, `
		UPDATE `+agentsTable+` SET status = $1
		WHERE last_heartbeat < $2 AND status != $1
	`, string(StatusTerminated), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup inactive agents: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (r *PostgresRepository) RecentFailureCount(ctx context.Context, serviceID string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+healthChecksTable+`
		WHERE service_id = $1 AND checked_at >= $2 AND status != $3
	`, serviceID, cutoff, string(HealthHealthy)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recent failure count for %s: %w", serviceID, err)
	}
	return count, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

const agentColumns = `id, role, service_id, instance_id, service_name, host, ip, port, base_url,
	status, started_at, last_heartbeat, version, assigned_consumer_groups, assigned_topics`

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		var a Agent
		var role, status, groupsCSV, topicsCSV string
		var ip, version sql.NullString
		var port sql.NullInt64

		if err := rows.Scan(&a.ID, &role, &a.ServiceID, &a.InstanceID, &a.ServiceName, &a.Host, &ip, &port, &a.BaseURL,
			&status, &a.StartedAt, &a.LastHeartbeat, &version, &groupsCSV, &topicsCSV); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Role = Role(role)
		a.Status = Status(status)
		a.IP = ip.String
		a.Port = int(port.Int64)
		a.Version = version.String
		if groupsCSV != "" {
			a.AssignedConsumerGroups = strings.Split(groupsCSV, ",")
		}
		if topicsCSV != "" {
			a.AssignedTopics = strings.Split(topicsCSV, ",")
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + agentsTable + ` (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			service_id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL UNIQUE,
			service_name TEXT NOT NULL,
			host TEXT NOT NULL,
			ip TEXT,
			port INT,
			base_url TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			version TEXT,
			assigned_consumer_groups TEXT NOT NULL DEFAULT '',
			assigned_topics TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_role_status_heartbeat ON ` + agentsTable + ` (role, status, last_heartbeat)`,
		`CREATE TABLE IF NOT EXISTS ` + healthChecksTable + ` (
			id TEXT PRIMARY KEY,
			service_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			checked_at TIMESTAMPTZ NOT NULL,
			status_message TEXT,
			response_time_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_service_checked ON ` + healthChecksTable + ` (service_id, checked_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create agent registry schema: %w", err)
		}
	}
	return nil
}
