// Outbox relay consumer.
//
// Runs one poll loop per configured consumer group, deduplicating deliveries
// against a local Postgres dedup table and reporting every outcome back to
// the producer's acknowledgment intake endpoint.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outboxrelay/relay/internal/ackclient"
	"github.com/outboxrelay/relay/internal/agentregistry"
	"github.com/outboxrelay/relay/internal/broker"
	"github.com/outboxrelay/relay/internal/common/health"
	"github.com/outboxrelay/relay/internal/common/secrets"
	"github.com/outboxrelay/relay/internal/config"
	"github.com/outboxrelay/relay/internal/consumerproc"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// ackSigningKeySecret must match the name the producer uses (cmd/producer)
// so both sides resolve the same shared HMAC key.
const ackSigningKeySecret = "ack-signing-key"

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.LoadWithFile("consumer")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Consumer.ConsumerGroup == "" {
		slog.Error("KAFKA_CONSUMER_GROUP (consumer group) is required for the consumer binary")
		os.Exit(1)
	}
	if cfg.Consumer.ProducerBaseURL == "" {
		slog.Error("PRODUCER_BASE_URL is required for the consumer binary")
		os.Exit(1)
	}

	slog.Info("starting outbox relay consumer",
		"version", version, "buildTime", buildTime,
		"serviceId", cfg.Identity.ServiceID, "instanceId", cfg.Identity.InstanceID,
		"consumerGroup", cfg.Consumer.ConsumerGroup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	db, err := sql.Open("pgx", cfg.Datastore.Postgres.DSN)
	if err != nil {
		slog.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Datastore.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Datastore.Postgres.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		slog.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	healthChecker.AddReadinessCheck(health.PostgresCheck(func() error { return db.PingContext(ctx) }))

	store := consumerproc.NewPostgresStore(db)
	if err := store.CreateSchema(ctx); err != nil {
		slog.Error("failed to create consumer dedup schema", "error", err)
		os.Exit(1)
	}

	signingKey, err := loadSigningKey(ctx, cfg)
	if err != nil {
		slog.Error("failed to load ack signing key", "error", err)
		os.Exit(1)
	}

	ackCfg := ackclient.DefaultConfig()
	ackCfg.BaseURL = cfg.Consumer.ProducerBaseURL
	ackCfg.SigningKey = signingKey
	ackCfg.ServiceID = cfg.Identity.ServiceID
	ackCfg.InstanceID = cfg.Identity.InstanceID
	ack := ackclient.New(ackCfg)

	registerSelf(ctx, cfg)

	filterSubject := consumerFilterSubject(cfg.Consumer.Topics)
	consumerName := "outboxrelay-" + cfg.Consumer.ConsumerGroup
	consumer, closeConsumer, err := broker.BuildConsumer(ctx, &broker.Config{
		Type:    cfg.Queue.Type,
		DataDir: cfg.Queue.NATS.DataDir,
		NATS: broker.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   "OUTBOX",
			ConsumerName: consumerName,
		},
		SQS: broker.SQSConfig{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
		},
	}, consumerName, filterSubject)
	if err != nil {
		slog.Error("failed to build broker consumer", "error", err)
		os.Exit(1)
	}
	defer closeConsumer()
	healthChecker.AddReadinessCheck(health.BrokerCheck(func() bool { return true }))

	identity := consumerproc.Identity{ServiceID: cfg.Identity.ServiceID, InstanceID: cfg.Identity.InstanceID}
	processor := consumerproc.New(consumer, store, ack, identity, cfg.Consumer.ConsumerGroup, consumerproc.NoopHandler)

	go processor.Run(ctx)

	go heartbeatLoop(ctx, ack)

	r := http.NewServeMux()
	r.HandleFunc("/q/health", healthChecker.HandleHealth)
	r.HandleFunc("/q/health/live", healthChecker.HandleLive)
	r.HandleFunc("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shutdown", "error", err)
	}
	slog.Info("outbox relay consumer stopped")
}

// consumerFilterSubject resolves the JetStream/NATS filter subject for this
// consumer instance: a single configured topic maps to its own subject, an
// empty or multi-topic configuration falls back to the full wildcard. The
// processor does not filter by topic, so with the wildcard this instance
// handles envelopes for every topic on the stream.
func consumerFilterSubject(topics []string) string {
	if len(topics) == 1 {
		return broker.Subject(topics[0])
	}
	return "outbox.>"
}

// registerSelf posts this instance's registration to the producer's agent
// registry over HTTP - the consumer has no direct database access to that
// registry, only the producer does.
func registerSelf(ctx context.Context, cfg *config.Config) {
	hostname, _ := os.Hostname()
	body := struct {
		Role agentregistry.Role `json:"role"`
		agentregistry.RegisterRequest
	}{
		Role: agentregistry.RoleConsumer,
		RegisterRequest: agentregistry.RegisterRequest{
			ServiceID:              cfg.Identity.ServiceID,
			InstanceID:             cfg.Identity.InstanceID,
			ServiceName:            "outbox-relay-consumer",
			Host:                   hostname,
			Version:                version,
			AssignedConsumerGroups: []string{cfg.Consumer.ConsumerGroup},
			AssignedTopics:         cfg.Consumer.Topics,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		slog.Warn("failed to marshal consumer self-registration", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Consumer.ProducerBaseURL+"/api/v1/agents/register", bytes.NewReader(data))
	if err != nil {
		slog.Warn("failed to build consumer self-registration request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("failed to self-register consumer agent", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("producer rejected consumer self-registration", "status", resp.StatusCode)
	}
}

func loadSigningKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("build secrets provider: %w", err)
	}
	value, err := provider.Get(ctx, ackSigningKeySecret)
	if err != nil {
		return nil, fmt.Errorf("ack signing key not found in %s provider - the producer must provision it first: %w", provider.Name(), err)
	}
	return []byte(value), nil
}

// heartbeatLoop reports this consumer instance's health to the producer on
// the same cadence the scheduler's own Heartbeat job uses.
func heartbeatLoop(ctx context.Context, ack *ackclient.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ack.Heartbeat(ctx, "ACTIVE", "HEALTHY", "", nil); err != nil {
				slog.Warn("failed to report consumer heartbeat", "error", err)
			}
		}
	}
}
