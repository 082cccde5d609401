// Package metrics holds the Prometheus collectors shared by the admission,
// rate-limit, job and webhook paths.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertapi",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Quota admission decisions by outcome and reason",
		},
		[]string{"decision", "reason"},
	)
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertapi",
			Subsystem: "rate_limit",
			Name:      "decisions_total",
			Help:      "Transport rate-limit decisions by policy and outcome",
		},
		[]string{"policy", "decision"},
	)
	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertapi",
			Subsystem: "jobs",
			Name:      "terminal_total",
			Help:      "Conversion jobs that reached a terminal state",
		},
		[]string{"status", "storage"},
	)
	WebhookAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convertapi",
			Subsystem: "webhook",
			Name:      "attempts_total",
			Help:      "Individual webhook POST attempts",
		},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convertapi",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook notifications by final outcome",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AdmissionDecisions,
			RateLimitDecisions,
			Jobs,
			WebhookAttempts,
			WebhookDeliveries,
		)
	})
}
