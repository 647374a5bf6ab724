// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway, named per the
// request/candidate/account lifecycle rather than per upstream provider.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec // labels: status_class, protocol
	RequestDuration        *prometheus.HistogramVec
	RequestsActive         prometheus.Gauge
	FailoverAttemptsTotal  prometheus.Counter
	CooldownMarksTotal     *prometheus.CounterVec // labels: reason
	AccountInflightCurrent *prometheus.GaugeVec   // labels: account_id
	AccountInflightTotal   *prometheus.CounterVec // labels: account_id
	UsageRefreshOutcomes   *prometheus.CounterVec // labels: result
	TraceQueueDepth        prometheus.Gauge
	TraceQueueCapacity     prometheus.Gauge
	HTTPQueueEnqueued      prometheus.Counter
	HTTPQueueDequeued      prometheus.Counter
	HTTPQueueFailed        prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of client requests handled, by status class and protocol.",
		}, []string{"status_class", "protocol"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gateway",
			Name:                            "request_duration_seconds",
			Help:                            "Client request duration in seconds, from acceptance to final response.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"protocol"}),

		RequestsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "requests_active",
			Help:      "Number of client requests currently being handled.",
		}),

		FailoverAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "failover_attempts_total",
			Help:      "Total candidate attempts beyond the first per request.",
		}),

		CooldownMarksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cooldown_marks_total",
			Help:      "Total account cooldowns marked, by reason.",
		}, []string{"reason"}),

		AccountInflightCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "account_inflight_current",
			Help:      "Current in-flight request count per account.",
		}, []string{"account_id"}),

		AccountInflightTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "account_inflight_total",
			Help:      "Total requests dispatched per account.",
		}, []string{"account_id"}),

		UsageRefreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "usage_refresh_outcomes_total",
			Help:      "Total usage-snapshot refresh attempts, by result.",
		}, []string{"result"}),

		TraceQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "trace_queue_depth",
			Help:      "Current depth of the trace event queue.",
		}),

		TraceQueueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "trace_queue_capacity",
			Help:      "Configured capacity of the trace event queue.",
		}),

		HTTPQueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_queue_enqueued_total",
			Help:      "Total inbound requests accepted onto the HTTP handling queue.",
		}),

		HTTPQueueDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_queue_dequeued_total",
			Help:      "Total inbound requests dequeued for handling.",
		}),

		HTTPQueueFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_queue_failed_total",
			Help:      "Total inbound requests that failed queue admission.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsActive,
		m.FailoverAttemptsTotal,
		m.CooldownMarksTotal,
		m.AccountInflightCurrent,
		m.AccountInflightTotal,
		m.UsageRefreshOutcomes,
		m.TraceQueueDepth,
		m.TraceQueueCapacity,
		m.HTTPQueueEnqueued,
		m.HTTPQueueDequeued,
		m.HTTPQueueFailed,
	)

	return m
}
