// Package metrics exposes the Prometheus collectors used across the service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	APIRequests            *prometheus.CounterVec
	APILatency             *prometheus.HistogramVec
	SchedulerCycles        *prometheus.CounterVec
	SchedulerCycleDuration *prometheus.HistogramVec
	EmailsDelivered        *prometheus.CounterVec
	RemindersSuppressed    *prometheus.CounterVec
	BillingCharges         *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total admin API requests by method, endpoint and status.",
			}, []string{"method", "endpoint", "status"}),
			APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Latency distribution for admin API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "endpoint"}),
			SchedulerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_cycles_total",
				Help:      "Total scheduler poll cycles by loop and outcome.",
			}, []string{"loop", "outcome"}),
			SchedulerCycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_cycle_duration_seconds",
				Help:      "Duration distribution for scheduler poll cycles.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"loop"}),
			EmailsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_total",
				Help:      "Total email delivery attempts by kind and outcome.",
			}, []string{"kind", "outcome"}),
			RemindersSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_suppressed_total",
				Help:      "Total reminders consumed without sending, by kind.",
			}, []string{"kind"}),
			BillingCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_charges_total",
				Help:      "Total placement charge attempts by outcome.",
			}, []string{"outcome"}),
		}

		prometheus.MustRegister(
			metricsInstance.APIRequests,
			metricsInstance.APILatency,
			metricsInstance.SchedulerCycles,
			metricsInstance.SchedulerCycleDuration,
			metricsInstance.EmailsDelivered,
			metricsInstance.RemindersSuppressed,
			metricsInstance.BillingCharges,
		)
	})
	return metricsInstance
}

// RecordRequest records one admin API request. It satisfies the chassis
// MetricsCollector interface.
func (m *Metrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.APIRequests.WithLabelValues(method, endpoint, status).Inc()
	m.APILatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveCycle records one scheduler poll cycle.
func (m *Metrics) ObserveCycle(loop string, duration time.Duration, failed bool) {
	m.SchedulerCycles.WithLabelValues(loop, outcomeLabel(failed)).Inc()
	m.SchedulerCycleDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// RecordEmail records one email delivery attempt.
func (m *Metrics) RecordEmail(kind string, delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	m.EmailsDelivered.WithLabelValues(kind, outcome).Inc()
}

// RecordReminderSuppressed records a reminder consumed without sending.
func (m *Metrics) RecordReminderSuppressed(kind string) {
	m.RemindersSuppressed.WithLabelValues(kind).Inc()
}

// RecordCharge records one placement charge attempt by outcome
// ("paid", "declined" or "error").
func (m *Metrics) RecordCharge(outcome string) {
	m.BillingCharges.WithLabelValues(outcome).Inc()
}

func outcomeLabel(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
