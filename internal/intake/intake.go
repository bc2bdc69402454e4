// Package intake implements the batching submit path: requests are queued
// in a local FIFO and flushed into a single bulk outbox write, either when
// the queue crosses a size threshold or on a periodic timer.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outboxrelay/relay/internal/common/metrics"
	"github.com/outboxrelay/relay/internal/common/tsid"
	"github.com/outboxrelay/relay/internal/outboxstore"
	"github.com/outboxrelay/relay/internal/topicregistry"
)

// SizeTrigger is the queue depth at which an async flush fires immediately.
const SizeTrigger = 500

// MaxFlushBatch bounds how many requests a single flush drains.
const MaxFlushBatch = 500

// Request is a single submit call, pre-fan-out.
type Request struct {
	Topic         string
	Payload       string
	ConsumerGroup string // optional; empty means fan out to every active group
}

// Identity stamps created records with the owning producer instance.
type Identity struct {
	ServiceID  string
	InstanceID string
}

// Queue is the in-memory FIFO submit queue. mu guards buf only: a flush
// takes its batch under mu and writes it without holding the lock, so two
// flushes can run at once on disjoint batches. The enqueue path only ever
// appends and optionally triggers an async flush, so submit never blocks on
// the datastore or broker.
type Queue struct {
	mu       sync.Mutex
	buf      []Request
	topics   topicregistry.Repository
	outbox   outboxstore.Repository
	identity Identity
}

func NewQueue(topics topicregistry.Repository, outbox outboxstore.Repository, identity Identity) *Queue {
	return &Queue{topics: topics, outbox: outbox, identity: identity}
}

// Submit enqueues a request for batched delivery. The returned id is
// synthetic: it is not necessarily any persisted record's id, and consumers
// must not depend on it.
func (q *Queue) Submit(req Request) string {
	q.mu.Lock()
	q.buf = append(q.buf, req)
	depth := len(q.buf)
	q.mu.Unlock()

	metrics.IntakeQueueDepth.Set(float64(depth))

	if depth >= SizeTrigger {
		go func() {
			if _, err := q.Flush(context.Background()); err != nil {
				slog.Error("size-triggered intake flush failed", "error", err)
			}
		}()
	}

	return tsid.Generate()
}

// SubmitSync fans out and inserts a request immediately, bypassing the
// batch queue, returning the first generated record's id.
func (q *Queue) SubmitSync(ctx context.Context, req Request) (string, error) {
	records, err := q.expand(ctx, []Request{req})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no active consumer groups for topic %s", req.Topic)
	}
	if err := q.outbox.Insert(ctx, records); err != nil {
		return "", fmt.Errorf("synchronous insert: %w", err)
	}
	metrics.IntakeRecordsCreated.Add(float64(len(records)))
	return records[0].ID, nil
}

// Flush drains up to MaxFlushBatch requests and writes them as one bulk
// insert. On failure the whole batch is re-queued intact so a transient
// datastore error never silently drops a submit.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	n := len(q.buf)
	if n > MaxFlushBatch {
		n = MaxFlushBatch
	}
	batch := q.buf[:n]
	q.buf = q.buf[n:]
	q.mu.Unlock()

	metrics.IntakeQueueDepth.Set(float64(len(q.buf)))

	records, err := q.expand(ctx, batch)
	if err != nil {
		q.requeue(batch)
		metrics.IntakeFlushes.WithLabelValues("flush", "error").Inc()
		return 0, fmt.Errorf("expand batch: %w", err)
	}

	if err := q.outbox.Insert(ctx, records); err != nil {
		q.requeue(batch)
		metrics.IntakeFlushes.WithLabelValues("flush", "error").Inc()
		return 0, fmt.Errorf("bulk insert batch of %d requests: %w", len(batch), err)
	}

	metrics.IntakeFlushes.WithLabelValues("flush", "success").Inc()
	metrics.IntakeRecordsCreated.Add(float64(len(records)))
	return len(records), nil
}

func (q *Queue) requeue(batch []Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(batch, q.buf...)
	metrics.IntakeQueueDepth.Set(float64(len(q.buf)))
}

// expand resolves each request's active consumer groups and fans it out into
// one Pending record per group, stamped with this instance's identity.
func (q *Queue) expand(ctx context.Context, batch []Request) ([]*outboxstore.Record, error) {
	groupsByTopic := make(map[string][]*topicregistry.ConsumerGroup)
	now := time.Now()

	var records []*outboxstore.Record
	for _, req := range batch {
		groups, ok := groupsByTopic[req.Topic]
		if !ok {
			var err error
			groups, err = q.topics.ListActiveGroups(ctx, req.Topic)
			if err != nil {
				return nil, fmt.Errorf("list active groups for topic %s: %w", req.Topic, err)
			}
			groupsByTopic[req.Topic] = groups
		}

		for _, g := range groups {
			if req.ConsumerGroup != "" && g.Name != req.ConsumerGroup {
				continue
			}
			records = append(records, &outboxstore.Record{
				ID:                  tsid.Generate(),
				Topic:               req.Topic,
				ConsumerGroup:       g.Name,
				Payload:             req.Payload,
				Status:              outboxstore.StatusPending,
				CreatedAt:           now,
				ProducerServiceID:   q.identity.ServiceID,
				ProducerInstanceID:  q.identity.InstanceID,
				TopicRegistrationID: g.TopicID,
			})
		}
	}
	return records, nil
}

// Depth returns the current in-memory queue length, for diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
