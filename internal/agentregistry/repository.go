package agentregistry

import (
	"context"
	"errors"
	"time"
)

// ErrAgentNotFound is returned when no agent satisfies the selection query.
var ErrAgentNotFound = errors.New("agent not found")

// Repository is the durable store of registered agents and their health
// history.
type Repository interface {
	// Register upserts by serviceId, setting status=Active, startedAt (on
	// first registration) and lastHeartbeat.
	Register(ctx context.Context, role Role, req RegisterRequest) (*Agent, error)

	// UpdateHeartbeat stores lastHeartbeat/status and appends a
	// HealthCheckRecord.
	UpdateHeartbeat(ctx context.Context, serviceID, instanceID string, status Status, health HealthStatus, message string, healthData map[string]any) error

	// GetActiveAgents returns Active agents of the given role whose
	// lastHeartbeat is within staleness of now.
	GetActiveAgents(ctx context.Context, role Role, staleness time.Duration) ([]*Agent, error)

	// GetHealthyConsumersForGroup returns Active consumers assigned to the
	// given consumer group, within the default staleness window.
	GetHealthyConsumersForGroup(ctx context.Context, group string) ([]*Agent, error)

	// GetBestConsumerForTopic selects one Active consumer assigned to the
	// topic, tie-broken by recent-failure count, then load, then recency
	// of heartbeat. Returns ErrAgentNotFound if none qualify. Load is read
	// from Metadata["pendingMessagesCount"]; PostgresRepository does not
	// store Metadata, so the agents it returns all have load 0 and the
	// load step never separates them.
	GetBestConsumerForTopic(ctx context.Context, topic string) (*Agent, error)

	// GetHealthiestProducer returns the Active producer with the highest
	// heartbeat frequency (shortest average interval between recent
	// heartbeats).
	GetHealthiestProducer(ctx context.Context) (*Agent, error)

	// CleanupInactiveAgents transitions agents whose lastHeartbeat is older
	// than terminationThreshold to Terminated, retaining their records.
	// Returns the count transitioned.
	CleanupInactiveAgents(ctx context.Context, terminationThreshold time.Duration) (int, error)

	// RecentFailureCount aggregates HealthCheckRecord rows for an agent
	// within the given window, counting non-Healthy observations.
	RecentFailureCount(ctx context.Context, serviceID string, window time.Duration) (int, error)

	Ping(ctx context.Context) error
	CreateSchema(ctx context.Context) error
}
