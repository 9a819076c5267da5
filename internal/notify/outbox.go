// Package notify delivers workflow notifications through a ledger-backed
// outbox. Delivery is best-effort and never blocks a workflow transition.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/metrics"
)

// Notification kinds.
const (
	KindApprovalRequested = "approval_requested"
	KindApproved          = "document_approved"
	KindRejected          = "document_rejected"
	KindReturned          = "document_returned"
	KindDelegated         = "approval_delegated"
	KindRestored          = "document_restored"
)

// MaxAttempts is the number of failed deliveries after which a record is
// marked failed and no longer retried.
const MaxAttempts = 8

type Message struct {
	UserID     string
	DocumentID string
	Kind       string
	Subject    string
	Body       string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Message) error { return nil }

// Sink performs the actual delivery of one outbox record.
type Sink interface {
	Deliver(ctx context.Context, rec ledger.NotificationRecord) error
}

// Outbox queues notifications in the ledger for the worker to deliver.
type Outbox struct {
	Store ledger.Store
	Now   func() time.Time
	NewID func() string
}

func NewOutbox(store ledger.Store) *Outbox {
	return &Outbox{Store: store, Now: time.Now, NewID: uuid.NewString}
}

func (o *Outbox) Notify(ctx context.Context, msg Message) error {
	if o.Store == nil {
		return fmt.Errorf("missing store")
	}
	if msg.UserID == "" {
		return fmt.Errorf("missing recipient")
	}
	now := o.now()
	rec := ledger.NotificationRecord{
		ID:            o.newID(),
		UserID:        msg.UserID,
		DocumentID:    msg.DocumentID,
		Kind:          msg.Kind,
		Subject:       msg.Subject,
		Body:          msg.Body,
		Status:        ledger.NotificationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return o.Store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.EnqueueNotification(ctx, rec)
	})
}

func (o *Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Outbox) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// Worker drains due outbox records into a Sink.
type Worker struct {
	Store   ledger.Store
	Sink    Sink
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Limit   int
}

// ProcessDue delivers due pending records once. Failed deliveries are
// rescheduled with exponential backoff.
func (w *Worker) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	if w.Store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if w.Sink == nil {
		return 0, nil
	}
	limit := w.Limit
	if limit <= 0 {
		limit = 50
	}
	now = now.UTC()

	due, err := w.Store.ListNotificationsDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.NotificationPending {
			continue
		}

		result := "sent"
		if err := w.Sink.Deliver(ctx, rec); err != nil {
			rec.AttemptCount++
			rec.LastError = err.Error()
			if rec.AttemptCount >= MaxAttempts {
				rec.Status = ledger.NotificationFailed
				result = "failed"
			} else {
				rec.NextAttemptAt = now.Add(nextAttempt(rec.AttemptCount - 1))
				result = "retry"
			}
			w.Log.Warn().Err(err).
				Str("notification_id", rec.ID).
				Str("user_id", rec.UserID).
				Int("attempt", rec.AttemptCount).
				Msg("notification delivery failed")
		} else {
			rec.AttemptCount++
			rec.Status = ledger.NotificationSent
			rec.LastError = ""
			sentAt := now
			rec.SentAt = &sentAt
		}
		rec.UpdatedAt = now

		if err := w.Store.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutNotification(ctx, rec) }); err != nil {
			return processed, err
		}
		w.Metrics.RecordNotification(result)
		processed++
	}
	return processed, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, then 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	d := base << attemptCount
	if limit := 5 * time.Minute; d > limit {
		return limit
	}
	return d
}

// Run polls for due records until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := w.ProcessDue(ctx, now); err != nil && ctx.Err() == nil {
				w.Log.Error().Err(err).Msg("notification outbox pass failed")
			}
		}
	}
}
