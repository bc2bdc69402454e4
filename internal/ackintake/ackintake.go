// Package ackintake implements the producer-side acknowledgment endpoint: a
// consumer instance reports whether it processed a message successfully,
// and this resolves the outbox record's terminal state.
package ackintake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outboxrelay/relay/internal/common/metrics"
	"github.com/outboxrelay/relay/internal/outboxstore"
)

// Report is the body a consumer posts back after handling one message.
type Report struct {
	MessageID     string
	ConsumerGroup string
	Success       bool
	ErrorMessage  string
}

// ErrGroupMismatch is returned when the report's consumerGroup does not
// match the resolved record's, which should never happen for a well-behaved
// consumer and is treated as a caller error.
var ErrGroupMismatch = errors.New("acknowledgment consumer group does not match record")

// Intake applies acknowledgment reports to the outbox store.
type Intake struct {
	outbox outboxstore.Repository
}

func New(outbox outboxstore.Repository) *Intake {
	return &Intake{outbox: outbox}
}

// Apply resolves the referenced record and transitions it to Acknowledged
// (success) or Failed (failure, terminal - the next RetryScan sweep only
// re-enters records still in Sent, so a Failed transition here ends the
// record's life unless a retry was already created).
func (i *Intake) Apply(ctx context.Context, report Report) error {
	rec, err := i.outbox.FetchByID(ctx, report.MessageID)
	if err != nil {
		if errors.Is(err, outboxstore.ErrNotFound) {
			metrics.AckIntakeReports.WithLabelValues("not_found").Inc()
			return err
		}
		return fmt.Errorf("resolve record %s: %w", report.MessageID, err)
	}
	if rec.ConsumerGroup != report.ConsumerGroup {
		metrics.AckIntakeReports.WithLabelValues("group_mismatch").Inc()
		return ErrGroupMismatch
	}

	if report.Success {
		if err := i.outbox.MarkAcknowledged(ctx, rec.ID, time.Now()); err != nil {
			return fmt.Errorf("mark acknowledged: %w", err)
		}
		metrics.AckIntakeReports.WithLabelValues("success").Inc()
		return nil
	}

	if err := i.outbox.MarkFailed(ctx, rec.ID, report.ErrorMessage); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.AckIntakeReports.WithLabelValues("failure").Inc()
	return nil
}
