package consumerproc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/outboxrelay/relay/internal/ackclient"
	"github.com/outboxrelay/relay/internal/broker"
)

// Handler is the business-logic callback invoked for each delivered
// message. The default is a no-op that always succeeds.
type Handler func(ctx context.Context, env *broker.Envelope) error

// NoopHandler always succeeds without doing anything.
func NoopHandler(ctx context.Context, env *broker.Envelope) error { return nil }

// Identity stamps this consumer instance onto every processed/failed row
// and acknowledgment it sends.
type Identity struct {
	ServiceID  string
	InstanceID string
}

// restartDelay is how long the poll loop waits before restarting after its
// Consume call exits with an error.
const restartDelay = 30 * time.Second

// Processor runs one long-lived poll loop per (consumer group, topic set)
// pair, per the dispatch contract: dedupe, invoke the handler, record the
// outcome, and report back to the producer.
type Processor struct {
	consumer broker.Consumer
	store    Store
	ack      *ackclient.Client
	identity Identity
	group    string
	handler  Handler
}

// New constructs a Processor. handler may be nil, defaulting to NoopHandler.
func New(consumer broker.Consumer, store Store, ack *ackclient.Client, identity Identity, group string, handler Handler) *Processor {
	if handler == nil {
		handler = NoopHandler
	}
	return &Processor{consumer: consumer, store: store, ack: ack, identity: identity, group: group, handler: handler}
}

// Run blocks, restarting the underlying Consume loop after restartDelay
// whenever it exits with an error, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.handleMessage)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		slog.Error("consumer poll loop exited, restarting", "group", p.group, "error", err, "delay", restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// handleMessage implements the five-step delivery contract: target check,
// dedup, handler invocation, outcome recording, broker ack.
func (p *Processor) handleMessage(msg broker.Message) error {
	ctx := context.Background()

	env, err := broker.ParseEnvelope(msg.Data())
	if err != nil {
		slog.Error("discarding unparseable envelope", "error", err)
		return msg.Ack()
	}

	if env.TargetConsumerServiceID != nil && *env.TargetConsumerServiceID != p.identity.ServiceID {
		return msg.Ack()
	}

	processed, err := p.store.IsProcessed(ctx, env.MessageID, env.ConsumerGroup)
	if err != nil {
		slog.Error("dedup check failed, will redeliver", "messageId", env.MessageID, "error", err)
		return msg.Nak()
	}
	if processed {
		p.reportAck(ctx, env, true, "")
		return msg.Ack()
	}

	handlerErr := p.handler(ctx, env)
	if handlerErr == nil {
		return p.onSuccess(ctx, env, msg)
	}
	return p.onFailure(ctx, env, msg, handlerErr)
}

func (p *Processor) onSuccess(ctx context.Context, env *broker.Envelope, msg broker.Message) error {
	err := p.store.MarkProcessed(ctx, ProcessedMessage{
		MessageID:          env.MessageID,
		ConsumerGroup:      env.ConsumerGroup,
		Topic:              env.Topic,
		ProcessedAt:        time.Now(),
		Payload:            env.Payload,
		ProducerServiceID:  env.ProducerServiceID,
		ProducerInstanceID: env.ProducerInstanceID,
		ConsumerServiceID:  p.identity.ServiceID,
		ConsumerInstanceID: p.identity.InstanceID,
		IdempotencyKey:     env.IdempotencyKey,
	})
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		slog.Error("failed to record processed message, will redeliver", "messageId", env.MessageID, "error", err)
		return msg.Nak()
	}

	p.reportAck(ctx, env, true, "")
	return msg.Ack()
}

func (p *Processor) onFailure(ctx context.Context, env *broker.Envelope, msg broker.Message, handlerErr error) error {
	err := p.store.MarkFailed(ctx, FailedMessage{
		MessageID:          env.MessageID,
		ConsumerGroup:      env.ConsumerGroup,
		Topic:              env.Topic,
		Payload:            env.Payload,
		ProducerServiceID:  env.ProducerServiceID,
		ProducerInstanceID: env.ProducerInstanceID,
		ConsumerServiceID:  p.identity.ServiceID,
		ConsumerInstanceID: p.identity.InstanceID,
		IdempotencyKey:     env.IdempotencyKey,
		ErrorMessage:       handlerErr.Error(),
		FailedAt:           time.Now(),
		RetryCount:         env.RetryCount,
	})
	if err != nil {
		slog.Error("failed to record failed message", "messageId", env.MessageID, "error", err)
	}

	p.reportAck(ctx, env, false, handlerErr.Error())
	return msg.Ack()
}

func (p *Processor) reportAck(ctx context.Context, env *broker.Envelope, success bool, errMessage string) {
	err := p.ack.Acknowledge(ctx, ackclient.AckReport{
		MessageID:     env.MessageID,
		ConsumerGroup: env.ConsumerGroup,
		Success:       success,
		ErrorMessage:  errMessage,
	})
	if err != nil {
		slog.Error("failed to report acknowledgment to producer", "messageId", env.MessageID, "error", err)
	}
}
