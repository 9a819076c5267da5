package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/ledger"
)

// LogSink writes notifications to the log instead of delivering them.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, rec ledger.NotificationRecord) error {
	s.Log.Info().
		Str("event", "notification").
		Str("notification_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("document_id", rec.DocumentID).
		Str("kind", rec.Kind).
		Str("subject", rec.Subject).
		Msg(rec.Body)
	return nil
}

type webhookPayload struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	DocumentID string    `json:"documentId,omitempty"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// WebhookSink POSTs each notification as JSON. Any non-2xx response is a
// delivery failure.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s WebhookSink) Deliver(ctx context.Context, rec ledger.NotificationRecord) error {
	if s.URL == "" {
		return fmt.Errorf("missing webhook url")
	}
	body, err := json.Marshal(webhookPayload{
		ID:         rec.ID,
		UserID:     rec.UserID,
		DocumentID: rec.DocumentID,
		Kind:       rec.Kind,
		Subject:    rec.Subject,
		Body:       rec.Body,
		CreatedAt:  rec.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
