// Package scheduler drives the five periodic producer-side jobs that move
// outbox records from Pending through to a terminal state: dispatch to the
// broker, retry-scan unacknowledged sends, clean up aged terminal records,
// heartbeat this instance into the agent registry, and flush the batching
// intake queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/outboxrelay/relay/internal/agentregistry"
	"github.com/outboxrelay/relay/internal/broker"
	"github.com/outboxrelay/relay/internal/common/metrics"
	"github.com/outboxrelay/relay/internal/intake"
	"github.com/outboxrelay/relay/internal/outboxstore"
	"github.com/outboxrelay/relay/internal/topicregistry"
)

// Tick periods for the five jobs, per the dispatch scheduler contract.
const (
	DispatchPendingPeriod = 5 * time.Second
	RetryScanPeriod       = 10 * time.Second
	CleanupPeriod         = time.Hour
	HeartbeatPeriod       = 30 * time.Second
	BatchFlushPeriod      = 5 * time.Second

	dispatchBatchSize = 100
)

// Elector abstracts the MongoDB- and Redis-backed leader electors: only the
// elected instance runs these jobs when the fleet is horizontally scaled.
// A nil Elector means this instance always runs them (single-instance mode).
type Elector interface {
	IsPrimary() bool
	OnBecomeLeader(fn func())
	OnLoseLeadership(fn func())
	Start(ctx context.Context) error
	Stop()
}

// Identity is this producer instance's stamp, used to filter dispatchable
// records and to heartbeat under the right serviceId/instanceId.
type Identity struct {
	ServiceID  string
	InstanceID string
}

// Scheduler owns the five non-reentrant periodic jobs. Each job tracks its
// own "running" flag; a tick that finds the previous tick still in flight is
// skipped rather than queued.
type Scheduler struct {
	outbox    outboxstore.Repository
	agents    agentregistry.Repository
	topics    topicregistry.Repository
	publisher broker.Publisher
	intakeQ   *intake.Queue
	identity  Identity
	elector   Elector
	backend   string

	dispatchBusy  atomic.Bool
	retryBusy     atomic.Bool
	cleanupBusy   atomic.Bool
	heartbeatBusy atomic.Bool
	flushBusy     atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. elector may be nil for single-instance
// deployments; the jobs then always run on this instance.
func New(outbox outboxstore.Repository, agents agentregistry.Repository, topics topicregistry.Repository,
	publisher broker.Publisher, intakeQ *intake.Queue, identity Identity, elector Elector, backend string) *Scheduler {
	return &Scheduler{
		outbox:    outbox,
		agents:    agents,
		topics:    topics,
		publisher: publisher,
		intakeQ:   intakeQ,
		identity:  identity,
		elector:   elector,
		backend:   backend,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// IsPrimary reports whether this instance currently runs the leader-gated
// jobs (DispatchPending, RetryScan, Cleanup, Heartbeat). BatchFlush always
// runs regardless of leadership since it only touches this instance's own
// in-memory queue.
func (s *Scheduler) IsPrimary() bool {
	if s.elector == nil {
		return true
	}
	return s.elector.IsPrimary()
}

// Start launches the elector (if any) and the five tick loops. It returns
// immediately; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.elector != nil {
		s.elector.OnBecomeLeader(func() { metrics.SchedulerLeaderState.Set(1) })
		s.elector.OnLoseLeadership(func() { metrics.SchedulerLeaderState.Set(0) })
		if err := s.elector.Start(ctx); err != nil {
			return fmt.Errorf("start leader elector: %w", err)
		}
	} else {
		metrics.SchedulerLeaderState.Set(1)
	}

	go s.runLoop(ctx)
	return nil
}

// Stop halts all tick loops and the elector.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	if s.elector != nil {
		s.elector.Stop()
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	dispatchTicker := time.NewTicker(DispatchPendingPeriod)
	retryTicker := time.NewTicker(RetryScanPeriod)
	cleanupTicker := time.NewTicker(CleanupPeriod)
	heartbeatTicker := time.NewTicker(HeartbeatPeriod)
	flushTicker := time.NewTicker(BatchFlushPeriod)
	defer dispatchTicker.Stop()
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()
	defer heartbeatTicker.Stop()
	defer flushTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			if s.IsPrimary() {
				s.runTick("dispatch_pending", &s.dispatchBusy, s.dispatchPending)
			}
		case <-retryTicker.C:
			if s.IsPrimary() {
				s.runTick("retry_scan", &s.retryBusy, s.retryScan)
			}
		case <-cleanupTicker.C:
			if s.IsPrimary() {
				s.runTick("cleanup", &s.cleanupBusy, s.cleanup)
			}
		case <-heartbeatTicker.C:
			if s.IsPrimary() {
				s.runTick("heartbeat", &s.heartbeatBusy, s.heartbeat)
			}
		case <-flushTicker.C:
			s.runTick("batch_flush", &s.flushBusy, s.batchFlush)
		}
	}
}

// runTick enforces non-reentrancy: if busy is already set, the tick is
// skipped rather than queued behind the running one.
func (s *Scheduler) runTick(job string, busy *atomic.Bool, fn func(ctx context.Context) error) {
	if !busy.CompareAndSwap(false, true) {
		metrics.SchedulerTicks.WithLabelValues(job, "skipped_reentrant").Inc()
		return
	}
	defer busy.Store(false)

	timer := prometheus.NewTimer(metrics.SchedulerTickDuration.WithLabelValues(job))
	defer timer.ObserveDuration()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout(job))
	defer cancel()

	if err := fn(ctx); err != nil {
		slog.Error("scheduler job failed", "job", job, "error", err)
		metrics.SchedulerTicks.WithLabelValues(job, "error").Inc()
		return
	}
	metrics.SchedulerTicks.WithLabelValues(job, "ran").Inc()
}

func jobTimeout(job string) time.Duration {
	if job == "cleanup" {
		return 5 * time.Minute
	}
	return 30 * time.Second
}

// dispatchPending publishes up to dispatchBatchSize Pending records owned by
// this instance, FIFO by createdAt.
func (s *Scheduler) dispatchPending(ctx context.Context) error {
	records, err := s.outbox.FetchPendingForDispatch(ctx, s.identity.ServiceID, dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}

	for _, rec := range records {
		env := &broker.Envelope{
			MessageID:               rec.ID,
			Topic:                   rec.Topic,
			Payload:                 rec.Payload,
			ConsumerGroup:           rec.ConsumerGroup,
			ProducerServiceID:       rec.ProducerServiceID,
			ProducerInstanceID:      rec.ProducerInstanceID,
			IsRetry:                 rec.IsRetry,
			OriginalMessageID:       rec.OriginalMessageID,
			TargetConsumerServiceID: rec.TargetConsumerServiceID,
			IdempotencyKey:          rec.IdempotencyKey,
			RetryCount:              rec.RetryCount,
		}
		data, err := env.Marshal()
		if err != nil {
			return fmt.Errorf("marshal envelope for %s: %w", rec.ID, err)
		}

		publishErr := s.publisher.PublishWithGroup(ctx, broker.Subject(rec.Topic), data, rec.ConsumerGroup)
		if publishErr != nil {
			metrics.BrokerPublishErrors.WithLabelValues(s.backend).Inc()
			metrics.SchedulerDispatched.WithLabelValues("failed").Inc()
			if err := s.outbox.MarkFailed(ctx, rec.ID, publishErr.Error()); err != nil {
				slog.Error("failed to mark record failed after publish error", "id", rec.ID, "error", err)
			}
			continue
		}

		metrics.BrokerMessagesPublished.WithLabelValues(s.backend).Inc()
		metrics.SchedulerDispatched.WithLabelValues("sent").Inc()
		if err := s.outbox.MarkSent(ctx, rec.ID, time.Now()); err != nil {
			slog.Error("failed to mark record sent", "id", rec.ID, "error", err)
		}
	}

	return nil
}

// retryScan finds Sent records past their consumer group's ack timeout and
// either creates a retry record targeted at a healthy consumer, or marks the
// record terminally Failed if that group's retry budget is exhausted.
// Candidates are fetched with a cutoff of now - every Sent record is
// trivially "older than now" - since each group's own ackTimeoutMinutes
// (not a single global constant) decides whether a given record is actually
// due, per spec's "for each active consumer group" sweep.
func (s *Scheduler) retryScan(ctx context.Context) error {
	records, err := s.outbox.FetchSentOlderThan(ctx, time.Now(), dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("fetch sent older than cutoff: %w", err)
	}

	for _, rec := range records {
		ackTimeoutMinutes, maxRetries := s.retryPolicyFor(ctx, rec)

		lastActivity := rec.ProcessedAt
		if rec.LastRetryAt != nil {
			lastActivity = rec.LastRetryAt
		}
		if lastActivity == nil || time.Since(*lastActivity) < time.Duration(ackTimeoutMinutes)*time.Minute {
			continue
		}

		if maxRetries != -1 && rec.RetryCount >= maxRetries {
			if err := s.outbox.MarkRetryExhausted(ctx, rec.ID); err != nil {
				slog.Error("failed to mark exhausted record failed", "id", rec.ID, "error", err)
				continue
			}
			metrics.SchedulerRetriesExhausted.Inc()
			continue
		}

		var target *string
		if agent, err := s.agents.GetBestConsumerForTopic(ctx, rec.Topic); err == nil {
			target = &agent.ServiceID
		} else if err != agentregistry.ErrAgentNotFound {
			slog.Warn("consumer selection for retry failed, retrying unrouted", "topic", rec.Topic, "error", err)
		}

		if _, err := s.outbox.CreateRetry(ctx, rec, target); err != nil {
			slog.Error("failed to create retry record", "id", rec.ID, "error", err)
			continue
		}
		metrics.SchedulerRetriesCreated.Inc()
	}

	return nil
}

// retryPolicyFor resolves a record's consumer group's ackTimeoutMinutes and
// maxRetries, falling back to the registry's defaults if the group cannot be
// looked up (e.g. deleted since dispatch) so a scan never stalls on it.
func (s *Scheduler) retryPolicyFor(ctx context.Context, rec *outboxstore.Record) (ackTimeoutMinutes, maxRetries int) {
	group, err := s.topics.GetConsumerGroupByID(ctx, rec.TopicRegistrationID)
	if err != nil {
		slog.Warn("consumer group lookup for retry policy failed, using defaults",
			"id", rec.ID, "topicRegistrationId", rec.TopicRegistrationID, "error", err)
		return topicregistry.DefaultAckTimeoutMinutes, topicregistry.DefaultMaxRetries
	}
	return group.AckTimeoutMinutes, group.MaxRetries
}

// cleanup deletes terminal records past the retention window, then samples
// status counts for OutboxRecordsByStatus.
func (s *Scheduler) cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-outboxstore.CleanupRetention)
	for {
		records, err := s.outbox.FetchTerminalOlderThan(ctx, cutoff, dispatchBatchSize)
		if err != nil {
			return fmt.Errorf("fetch terminal older than cutoff: %w", err)
		}
		if len(records) == 0 {
			break
		}

		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if err := s.outbox.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("delete terminal batch: %w", err)
		}
		metrics.OutboxCleanupDeleted.Add(float64(len(ids)))

		if len(records) < dispatchBatchSize {
			break
		}
	}

	counts, err := s.outbox.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count by status: %w", err)
	}
	for status, count := range counts {
		metrics.OutboxRecordsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	return nil
}

// heartbeat reports this instance's liveness, including outbox backlog
// depth, then triggers registry GC of long-silent agents.
func (s *Scheduler) heartbeat(ctx context.Context) error {
	counts, err := s.outbox.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count by status for heartbeat: %w", err)
	}

	healthData := map[string]any{"pendingMessagesCount": counts[outboxstore.StatusPending]}
	err = s.agents.UpdateHeartbeat(ctx, s.identity.ServiceID, s.identity.InstanceID,
		agentregistry.StatusActive, agentregistry.HealthHealthy, "", healthData)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}

	evicted, err := s.agents.CleanupInactiveAgents(ctx, agentregistry.DefaultTerminationThreshold)
	if err != nil {
		return fmt.Errorf("cleanup inactive agents: %w", err)
	}
	if evicted > 0 {
		metrics.RegistryEvictions.Add(float64(evicted))
	}

	for _, role := range []agentregistry.Role{agentregistry.RoleProducer, agentregistry.RoleConsumer} {
		active, err := s.agents.GetActiveAgents(ctx, role, agentregistry.DefaultStalenessWindow)
		if err != nil {
			slog.Warn("failed to sample active agent count", "role", role, "error", err)
			continue
		}
		metrics.RegistryActiveAgents.WithLabelValues(string(role)).Set(float64(len(active)))
	}

	return nil
}

// batchFlush drains the intake queue into a bulk outbox insert. It runs
// regardless of leadership: it only ever touches this instance's own
// in-memory queue, not shared state.
func (s *Scheduler) batchFlush(ctx context.Context) error {
	if s.intakeQ == nil {
		return nil
	}
	_, err := s.intakeQ.Flush(ctx)
	return err
}
