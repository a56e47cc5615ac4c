package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "magicmirror_reactor"

var (
	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "processed_events_total",
		Help:      "count of received webhook events",
	})

	eventFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "event_handling_failures_total",
		Help:      "count of webhook events whose handler failed",
	})

	prsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "merged_prs_total",
		Help:      "count of merged sync pull-requests",
	})

	issuesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "opened_tracking_issues_total",
		Help:      "count of opened tracking issues",
	})
)
