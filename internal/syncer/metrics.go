package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "magicmirror_syncer"

var (
	syncRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "sync_runs_total",
		Help:      "count of executed sync runs",
	})

	prsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "created_prs_total",
		Help:      "count of created sync pull-requests",
	})

	issuesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "opened_tracking_issues_total",
		Help:      "count of opened tracking issues",
	})

	branchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "branch_sync_failures_total",
		Help:      "count of branch sync attempts that failed and will be retried",
	})
)
