// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksCreated counts delegated tasks by agent.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famulus_tasks_created_total",
		Help: "Total tasks delegated, by agent.",
	}, []string{"agent"})

	// NotificationsSent counts successfully delivered task results.
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "famulus_notifications_sent_total",
		Help: "Total task results delivered to their origin.",
	})

	// NotificationFailures counts delivery attempts that failed.
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "famulus_notification_failures_total",
		Help: "Total failed delivery attempts.",
	})

	// ChronosFires counts chronos job firings by outcome.
	ChronosFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famulus_chronos_fires_total",
		Help: "Total chronos job firings, by outcome.",
	}, []string{"status"})

	// ApprovalOutcomes counts approval gate results.
	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "famulus_approval_outcomes_total",
		Help: "Total approval gate outcomes.",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
