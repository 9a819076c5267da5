package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordAction("APPROVE", "ok")
	m.RecordAction("APPROVE", "ok")
	m.RecordAccess("READ", false)
	m.RecordLine("SEQUENTIAL")
	m.RecordNotification("sent")
	m.RecordHTTP("/v1/approvals/actions", "200", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.ApprovalActionsTotal.WithLabelValues("APPROVE", "ok")); got != 2 {
		t.Fatalf("expected 2 approvals, got %v", got)
	}
	if got := testutil.ToFloat64(m.AccessDecisionsTotal.WithLabelValues("READ", "deny")); got != 1 {
		t.Fatalf("expected 1 deny, got %v", got)
	}
	if n := testutil.CollectAndCount(m.HTTPRequestDuration); n != 1 {
		t.Fatalf("expected 1 histogram series, got %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAction("APPROVE", "ok")
	m.RecordAccess("READ", true)
	m.RecordLine("PARALLEL")
	m.RecordNotification("failed")
	m.RecordHTTP("/", "200", time.Second)
}
