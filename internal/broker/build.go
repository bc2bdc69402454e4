package broker

import (
	"context"
	"fmt"

	brokernats "github.com/outboxrelay/relay/internal/broker/nats"
	brokersqs "github.com/outboxrelay/relay/internal/broker/sqs"
)

// BuildPublisher constructs a Publisher for the configured backend. For the
// embedded type it also starts an in-process NATS server, returned so the
// caller can Close it on shutdown.
func BuildPublisher(ctx context.Context, cfg *Config) (Publisher, func() error, error) {
	switch QueueType(cfg.Type) {
	case QueueTypeNATS:
		client, err := brokernats.NewClient(&cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return client.Publisher(), client.Close, nil

	case QueueTypeSQS:
		client, err := brokersqs.NewClient(ctx, &cfg.SQS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to sqs: %w", err)
		}
		return client.Publisher(), func() error { return nil }, nil

	default:
		embeddedCfg := &brokernats.EmbeddedConfig{
			DataDir:      cfg.DataDir,
			Host:         "127.0.0.1",
			Port:         4222,
			StreamName:   cfg.NATS.StreamName,
			Subjects:     cfg.NATS.Subjects,
			ConsumerName: cfg.NATS.ConsumerName,
		}
		if embeddedCfg.StreamName == "" {
			embeddedCfg.StreamName = "OUTBOX"
		}
		if len(embeddedCfg.Subjects) == 0 {
			embeddedCfg.Subjects = []string{"outbox.>"}
		}
		if embeddedCfg.ConsumerName == "" {
			embeddedCfg.ConsumerName = "outboxrelay-consumer"
		}

		srv, err := brokernats.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded nats: %w", err)
		}
		return srv.Publisher(), srv.Close, nil
	}
}

// BuildConsumer constructs a durable Consumer named consumerName, filtered
// to filterSubject, on the configured backend. For the embedded type it also
// starts an in-process NATS server sharing the same data directory as any
// in-process producer, so a single-binary dev deployment can run both.
func BuildConsumer(ctx context.Context, cfg *Config, consumerName, filterSubject string) (Consumer, func() error, error) {
	switch QueueType(cfg.Type) {
	case QueueTypeNATS:
		client, err := brokernats.NewClient(&cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		consumer, err := client.CreateConsumer(ctx, consumerName, filterSubject)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("create nats consumer: %w", err)
		}
		return consumer, client.Close, nil

	case QueueTypeSQS:
		client, err := brokersqs.NewClient(ctx, &cfg.SQS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to sqs: %w", err)
		}
		consumer, err := client.CreateConsumer(ctx, consumerName, filterSubject)
		if err != nil {
			return nil, nil, fmt.Errorf("create sqs consumer: %w", err)
		}
		return consumer, func() error { return nil }, nil

	default:
		embeddedCfg := &brokernats.EmbeddedConfig{
			DataDir:      cfg.DataDir,
			Host:         "127.0.0.1",
			Port:         4222,
			StreamName:   cfg.NATS.StreamName,
			Subjects:     cfg.NATS.Subjects,
			ConsumerName: cfg.NATS.ConsumerName,
		}
		if embeddedCfg.StreamName == "" {
			embeddedCfg.StreamName = "OUTBOX"
		}
		if len(embeddedCfg.Subjects) == 0 {
			embeddedCfg.Subjects = []string{"outbox.>"}
		}

		srv, err := brokernats.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded nats: %w", err)
		}
		consumer, err := srv.CreateConsumer(ctx, consumerName, filterSubject, &cfg.NATS)
		if err != nil {
			srv.Close()
			return nil, nil, fmt.Errorf("create embedded nats consumer: %w", err)
		}
		return consumer, srv.Close, nil
	}
}
