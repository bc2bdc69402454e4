// Outbox relay producer.
//
// Owns the outbox store, topic/agent registries, and the dispatch scheduler
// that moves records from Pending through Sent to a terminal state. Exposes
// an HTTP API for submission, registration, and acknowledgment intake.
package main

import (
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outboxrelay/relay/internal/ackclient"
	"github.com/outboxrelay/relay/internal/ackintake"
	"github.com/outboxrelay/relay/internal/agentregistry"
	"github.com/outboxrelay/relay/internal/apierrors"
	"github.com/outboxrelay/relay/internal/broker"
	"github.com/outboxrelay/relay/internal/common/health"
	"github.com/outboxrelay/relay/internal/common/leader"
	commonmongo "github.com/outboxrelay/relay/internal/common/mongo"
	"github.com/outboxrelay/relay/internal/common/secrets"
	"github.com/outboxrelay/relay/internal/config"
	"github.com/outboxrelay/relay/internal/intake"
	"github.com/outboxrelay/relay/internal/outboxstore"
	"github.com/outboxrelay/relay/internal/scheduler"
	"github.com/outboxrelay/relay/internal/topicregistry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.LoadWithFile("producer")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting outbox relay producer",
		"version", version, "buildTime", buildTime,
		"serviceId", cfg.Identity.ServiceID, "instanceId", cfg.Identity.InstanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	outboxRepo, topicRepo, agentRepo, closeDatastore, err := buildDatastore(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("failed to initialize datastore", "error", err)
		os.Exit(1)
	}
	defer closeDatastore()

	if err := outboxRepo.CreateSchema(ctx); err != nil {
		slog.Error("failed to create outbox schema", "error", err)
		os.Exit(1)
	}
	if err := topicRepo.CreateSchema(ctx); err != nil {
		slog.Error("failed to create topic registry schema", "error", err)
		os.Exit(1)
	}
	if err := agentRepo.CreateSchema(ctx); err != nil {
		slog.Error("failed to create agent registry schema", "error", err)
		os.Exit(1)
	}
	seedDefaultTopic(ctx, topicRepo)

	publisher, closePublisher, err := broker.BuildPublisher(ctx, &broker.Config{
		Type:    cfg.Queue.Type,
		DataDir: cfg.Queue.NATS.DataDir,
		NATS: broker.NATSConfig{
			URL:          cfg.Queue.NATS.URL,
			StreamName:   "OUTBOX",
			ConsumerName: "outboxrelay-consumer",
		},
		SQS: broker.SQSConfig{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
		},
	})
	if err != nil {
		slog.Error("failed to initialize broker publisher", "error", err)
		os.Exit(1)
	}
	defer closePublisher()
	healthChecker.AddReadinessCheck(health.BrokerCheck(func() bool { return true }))

	identity := intake.Identity{ServiceID: cfg.Identity.ServiceID, InstanceID: cfg.Identity.InstanceID}
	intakeQ := intake.NewQueue(topicRepo, outboxRepo, identity)
	ackIntake := ackintake.New(outboxRepo)

	elector := buildElector(ctx, cfg, healthChecker)

	sched := scheduler.New(outboxRepo, agentRepo, topicRepo, publisher, intakeQ,
		scheduler.Identity{ServiceID: cfg.Identity.ServiceID, InstanceID: cfg.Identity.InstanceID},
		elector, cfg.Queue.Type)
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	healthChecker.AddLivenessCheck(health.SchedulerCheck(sched.IsPrimary, func() bool { return true }))

	registerSelf(ctx, agentRepo, cfg)

	signingKey, err := loadSigningKey(ctx, cfg)
	if err != nil {
		slog.Error("failed to load ack signing key", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	mountAPI(r, intakeQ, topicRepo, agentRepo, ackIntake, cfg, signingKey)

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
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shutdown", "error", err)
	}
	slog.Info("outbox relay producer stopped")
}

// buildDatastore connects to the configured backend and constructs the
// three Postgres- or MongoDB-backed repositories, wiring a readiness check
// for the chosen connection.
func buildDatastore(ctx context.Context, cfg *config.Config, hc *health.Checker) (
	outboxstore.Repository, topicregistry.Repository, agentregistry.Repository, func(), error) {

	switch cfg.Datastore.Backend {
	case "mongo", "mongodb":
		client, err := commonmongo.Connect(ctx, cfg.Datastore.MongoDB)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		hc.AddReadinessCheck(health.MongoDBCheck(func() error { return client.Ping(ctx) }))

		outboxRepo := outboxstore.NewMongoRepository(client)
		closeFn := func() {
			if err := client.Disconnect(ctx); err != nil {
				slog.Error("error disconnecting from mongodb", "error", err)
			}
		}
		// Topic/agent registries remain Postgres-only (see DESIGN.md); a
		// mongo-backend deployment still needs a small Postgres instance for
		// them until those repositories grow mongo implementations.
		topicRepo, agentRepo, closePG, err := buildPostgresRegistries(cfg, hc)
		if err != nil {
			closeFn()
			return nil, nil, nil, nil, err
		}
		return outboxRepo, topicRepo, agentRepo, func() { closeFn(); closePG() }, nil

	default:
		db, err := sql.Open("pgx", cfg.Datastore.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Datastore.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Datastore.Postgres.MaxIdleConns)
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		hc.AddReadinessCheck(health.PostgresCheck(func() error { return db.PingContext(ctx) }))

		return outboxstore.NewPostgresRepository(db), topicregistry.NewPostgresRepository(db),
			agentregistry.NewPostgresRepository(db), func() { db.Close() }, nil
	}
}

// buildPostgresRegistries is split out so the mongo-backend path can reuse
// it for the topic/agent registries without duplicating connection setup.
func buildPostgresRegistries(cfg *config.Config, hc *health.Checker) (topicregistry.Repository, agentregistry.Repository, func(), error) {
	db, err := sql.Open("pgx", cfg.Datastore.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres for registries: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, nil, nil, fmt.Errorf("ping postgres for registries: %w", err)
	}
	hc.AddReadinessCheck(health.PostgresCheck(db.Ping))
	return topicregistry.NewPostgresRepository(db), agentregistry.NewPostgresRepository(db), func() { db.Close() }, nil
}

// buildElector constructs the leader elector for the configured backend, or
// nil if leader election is disabled (single-instance deployment).
func buildElector(ctx context.Context, cfg *config.Config, hc *health.Checker) scheduler.Elector {
	if !cfg.Leader.Enabled {
		return nil
	}

	switch cfg.Leader.Backend {
	case "redis":
		slog.Warn("redis leader election selected but no redis client wired at this layer, falling back to single-instance mode")
		return nil
	default:
		client, err := commonmongo.Connect(ctx, cfg.Datastore.MongoDB)
		if err != nil {
			slog.Error("failed to connect to mongodb for leader election, running unelected", "error", err)
			return nil
		}
		db := client.Database()
		return leader.NewLeaderElector(db, &leader.ElectorConfig{
			InstanceID:      cfg.Identity.InstanceID,
			LockName:        "outboxrelay-scheduler-leader",
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		})
	}
}

// seedDefaultTopic ensures first-boot fan-out always finds at least one
// active topic and consumer group.
func seedDefaultTopic(ctx context.Context, topics topicregistry.Repository) {
	_, err := topics.GetTopicByName(ctx, "default")
	if err == nil {
		return
	}
	_, _, err = topics.RegisterTopic(ctx, "default", "seeded at first boot", []topicregistry.NewGroup{
		{Name: "default-consumers", RequiresAck: true},
	})
	if err != nil && err != topicregistry.ErrTopicExists {
		slog.Warn("failed to seed default topic", "error", err)
	}
}

// ackSigningKeySecret names the shared HMAC key consumers use to sign the
// bearer tokens attached to acknowledgment/heartbeat requests. Producer and
// consumer must resolve this to the same bytes, so it always goes through
// the secrets provider rather than each binary's own generated identity.
const ackSigningKeySecret = "ack-signing-key"

// loadSigningKey fetches the shared ack-signing key from the configured
// secrets provider, generating and persisting one on first boot if the
// provider supports Set. Providers that don't (e.g. the plain env provider)
// require the operator to provision OUTBOXRELAY_SECRET_ACK_SIGNING_KEY.
func loadSigningKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("build secrets provider: %w", err)
	}

	value, err := provider.Get(ctx, ackSigningKeySecret)
	if err == nil {
		return []byte(value), nil
	}
	if err != secrets.ErrSecretNotFound {
		return nil, fmt.Errorf("read ack signing key: %w", err)
	}

	generated, err := secrets.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ack signing key: %w", err)
	}
	if setErr := provider.Set(ctx, ackSigningKeySecret, generated); setErr != nil {
		return nil, fmt.Errorf("ack signing key not provisioned in %s provider and cannot be auto-created: %w", provider.Name(), setErr)
	}
	slog.Info("generated new ack signing key", "provider", provider.Name())
	return []byte(generated), nil
}

func registerSelf(ctx context.Context, agents agentregistry.Repository, cfg *config.Config) {
	hostname, _ := os.Hostname()
	_, err := agents.Register(ctx, agentregistry.RoleProducer, agentregistry.RegisterRequest{
		ServiceID:   cfg.Identity.ServiceID,
		InstanceID:  cfg.Identity.InstanceID,
		ServiceName: "outbox-relay-producer",
		Host:        hostname,
		BaseURL:     fmt.Sprintf("http://%s:%d", hostname, cfg.HTTP.Port),
		Version:     version,
	})
	if err != nil {
		slog.Warn("failed to self-register producer agent", "error", err)
	}
}

type submitRequest struct {
	Topic         string `json:"topic"`
	Payload       string `json:"payload"`
	ConsumerGroup string `json:"consumerGroup,omitempty"`
	Sync          bool   `json:"sync,omitempty"`
}

type acknowledgeRequest struct {
	MessageID     string `json:"messageId"`
	ConsumerGroup string `json:"consumerGroup"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

func mountAPI(r chi.Router, intakeQ *intake.Queue, topics topicregistry.Repository,
	agents agentregistry.Repository, acks *ackintake.Intake, cfg *config.Config, signingKey []byte) {

	requireServiceAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			header := req.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				slog.Warn("rejected service request: missing bearer token", "path", req.URL.Path)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if _, _, err := ackclient.Verify(signingKey, header[len(prefix):]); err != nil {
				slog.Warn("rejected service request: invalid bearer token", "path", req.URL.Path, "error", err)
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next(w, req)
		}
	}

	r.Post("/api/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		var body submitRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeInvalidFormat, "invalid request body", nil))
			return
		}
		if body.Topic == "" || body.Payload == "" {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeRequired, "topic and payload are required", nil))
			return
		}

		intakeReq := intake.Request{Topic: body.Topic, Payload: body.Payload, ConsumerGroup: body.ConsumerGroup}
		if body.Sync {
			id, err := intakeQ.SubmitSync(req.Context(), intakeReq)
			if err != nil {
				writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
			return
		}

		id := intakeQ.Submit(intakeReq)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	r.Post("/api/v1/acknowledgments", requireServiceAuth(func(w http.ResponseWriter, req *http.Request) {
		var body acknowledgeRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeInvalidFormat, "invalid request body", nil))
			return
		}
		err := acks.Apply(req.Context(), ackintake.Report{
			MessageID:     body.MessageID,
			ConsumerGroup: body.ConsumerGroup,
			Success:       body.Success,
			ErrorMessage:  body.ErrorMessage,
		})
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case err == outboxstore.ErrNotFound:
			writeAPIError(w, apierrors.NotFoundError(apierrors.ErrCodeMessageNotFound, "message not found", map[string]any{"messageId": body.MessageID}))
		case err == ackintake.ErrGroupMismatch:
			writeAPIError(w, apierrors.BusinessRuleError(apierrors.ErrCodeInvalidState, err.Error(), map[string]any{"messageId": body.MessageID, "consumerGroup": body.ConsumerGroup}))
		default:
			writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
		}
	}))

	r.Post("/api/v1/topics", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name        string                   `json:"name"`
			Description string                   `json:"description,omitempty"`
			Groups      []topicregistry.NewGroup `json:"groups"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeInvalidFormat, "invalid request body", nil))
			return
		}
		topic, groups, err := topics.RegisterTopic(req.Context(), body.Name, body.Description, body.Groups)
		if err == topicregistry.ErrTopicExists {
			writeAPIError(w, apierrors.BusinessRuleError(apierrors.ErrCodeDuplicateCode, err.Error(), map[string]any{"name": body.Name}))
			return
		}
		if err != nil {
			writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"topic": topic, "groups": groups})
	})

	r.Get("/api/v1/topics/{name}/groups", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		groups, err := topics.ListActiveGroups(req.Context(), name)
		if err != nil {
			writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
			return
		}
		writeJSON(w, http.StatusOK, groups)
	})

	r.Post("/api/v1/agents/register", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Role agentregistry.Role `json:"role"`
			agentregistry.RegisterRequest
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeInvalidFormat, "invalid request body", nil))
			return
		}
		agent, err := agents.Register(req.Context(), body.Role, body.RegisterRequest)
		if err != nil {
			writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	})

	r.Post("/api/v1/agents/heartbeat", requireServiceAuth(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ServiceID     string                    `json:"serviceId"`
			InstanceID    string                    `json:"instanceId"`
			Status        agentregistry.Status       `json:"status"`
			Health        agentregistry.HealthStatus `json:"health"`
			StatusMessage string                     `json:"statusMessage,omitempty"`
			HealthData    map[string]any             `json:"healthData,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeAPIError(w, apierrors.ValidationError(apierrors.ErrCodeInvalidFormat, "invalid request body", nil))
			return
		}
		err := agents.UpdateHeartbeat(req.Context(), body.ServiceID, body.InstanceID,
			body.Status, body.Health, body.StatusMessage, body.HealthData)
		if err != nil {
			writeAPIError(w, apierrors.InternalError(apierrors.ErrCodeOperationFailed, err.Error(), nil))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError renders a UseCaseError as its own JSON body at the HTTP
// status its Kind maps to.
func writeAPIError(w http.ResponseWriter, err *apierrors.UseCaseError) {
	writeJSON(w, err.HTTPStatus(), err)
}
