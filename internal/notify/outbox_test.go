package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/metrics"
)

type flakySink struct {
	calls int
	fail  int
}

func (s *flakySink) Deliver(context.Context, ledger.NotificationRecord) error {
	s.calls++
	if s.calls <= s.fail {
		return errors.New("upstream unavailable")
	}
	return nil
}

func queue(t *testing.T, store ledger.Store, now time.Time) string {
	t.Helper()
	o := NewOutbox(store)
	o.Now = func() time.Time { return now }
	o.NewID = func() string { return "n1" }
	if err := o.Notify(context.Background(), Message{UserID: "mgr", DocumentID: "d1", Kind: KindApprovalRequested, Subject: "Approval requested"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	return "n1"
}

func TestProcessDueRetryThenSuccess(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	id := queue(t, store, now)

	m := metrics.New(prometheus.NewRegistry())
	sink := &flakySink{fail: 1}
	w := &Worker{Store: store, Sink: sink, Log: zerolog.Nop(), Metrics: m}

	if n, err := w.ProcessDue(context.Background(), now); err != nil || n != 1 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	rec, err := store.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != ledger.NotificationPending || rec.AttemptCount != 1 || rec.LastError == "" {
		t.Fatalf("expected pending retry, got %+v", rec)
	}
	if !rec.NextAttemptAt.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected 5s backoff, got %v", rec.NextAttemptAt)
	}

	// Not yet due.
	if n, err := w.ProcessDue(context.Background(), now.Add(time.Second)); err != nil || n != 0 {
		t.Fatalf("early pass: n=%d err=%v", n, err)
	}

	if n, err := w.ProcessDue(context.Background(), now.Add(5*time.Second)); err != nil || n != 1 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
	rec, _ = store.GetNotification(context.Background(), id)
	if rec.Status != ledger.NotificationSent || rec.SentAt == nil || rec.LastError != "" {
		t.Fatalf("expected sent, got %+v", rec)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("retry")); got != 1 {
		t.Fatalf("retry metric = %v", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("sent")); got != 1 {
		t.Fatalf("sent metric = %v", got)
	}
}

func TestProcessDueGivesUpAfterMaxAttempts(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	id := queue(t, store, now)

	w := &Worker{Store: store, Sink: &flakySink{fail: 100}, Log: zerolog.Nop()}
	at := now
	for i := 0; i < MaxAttempts; i++ {
		if _, err := w.ProcessDue(context.Background(), at); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		at = at.Add(time.Hour)
	}
	rec, _ := store.GetNotification(context.Background(), id)
	if rec.Status != ledger.NotificationFailed || rec.AttemptCount != MaxAttempts {
		t.Fatalf("expected failed after %d attempts, got %+v", MaxAttempts, rec)
	}
	if n, _ := w.ProcessDue(context.Background(), at); n != 0 {
		t.Fatalf("failed records must not be retried")
	}
}

func TestNextAttemptBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  5 * time.Second,
		1:  10 * time.Second,
		3:  40 * time.Second,
		5:  160 * time.Second,
		6:  5 * time.Minute,
		20: 5 * time.Minute,
	}
	for attempt, want := range cases {
		if got := nextAttempt(attempt); got != want {
			t.Fatalf("nextAttempt(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestProcessDueWithoutSinkOrStore(t *testing.T) {
	w := &Worker{}
	if _, err := w.ProcessDue(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected missing store error")
	}
	w.Store = ledger.NewInMemoryStore()
	if n, err := w.ProcessDue(context.Background(), time.Now()); err != nil || n != 0 {
		t.Fatalf("expected no-op without sink, n=%d err=%v", n, err)
	}
}

func TestOutboxRejectsMissingRecipient(t *testing.T) {
	o := NewOutbox(ledger.NewInMemoryStore())
	if err := o.Notify(context.Background(), Message{Kind: KindApproved}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := &Worker{Store: ledger.NewInMemoryStore(), Sink: LogSink{Log: zerolog.Nop()}, Log: zerolog.Nop()}
	go func() {
		w.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestWebhookSink(t *testing.T) {
	var got webhookPayload
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.UserID == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := WebhookSink{URL: srv.URL, Client: srv.Client()}
	rec := ledger.NotificationRecord{ID: "n1", UserID: "mgr", DocumentID: "d1", Kind: KindApproved, Subject: "Approved"}
	if err := sink.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.UserID != "mgr" || got.Kind != KindApproved || idem != "n1" {
		t.Fatalf("unexpected payload %+v idem=%s", got, idem)
	}

	rec.UserID = "down"
	if err := sink.Deliver(context.Background(), rec); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}

	if err := (WebhookSink{}).Deliver(context.Background(), rec); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Log: zerolog.New(&buf)}
	if err := sink.Deliver(context.Background(), ledger.NotificationRecord{ID: "n1", UserID: "mgr", Kind: KindRejected, Body: "rejected by dir"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind":"document_rejected"`) || !strings.Contains(buf.String(), "rejected by dir") {
		t.Fatalf("unexpected log: %s", buf.String())
	}
}
