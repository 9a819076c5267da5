// Package metrics provides Prometheus metrics for docflow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the docflow collectors. A nil *Metrics records nothing.
type Metrics struct {
	ApprovalActionsTotal *prometheus.CounterVec
	AccessDecisionsTotal *prometheus.CounterVec
	LinesGeneratedTotal  *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ApprovalActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_approval_actions_total",
				Help: "Approval actions applied to steps and documents",
			},
			[]string{"action", "outcome"},
		),
		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_access_decisions_total",
				Help: "Access control evaluations by action and result",
			},
			[]string{"action", "result"},
		),
		LinesGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_lines_generated_total",
				Help: "Approval lines generated by policy",
			},
			[]string{"policy"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_notifications_total",
				Help: "Notification deliveries by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docflow_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docflow_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"route"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ApprovalActionsTotal,
			m.AccessDecisionsTotal,
			m.LinesGeneratedTotal,
			m.NotificationsTotal,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
	}
	return m
}

func (m *Metrics) RecordAction(action string, outcome string) {
	if m == nil {
		return
	}
	m.ApprovalActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordAccess(action string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.AccessDecisionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordLine(policy string) {
	if m == nil {
		return
	}
	m.LinesGeneratedTotal.WithLabelValues(policy).Inc()
}

func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTP(route string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
