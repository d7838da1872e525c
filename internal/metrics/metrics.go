// Package metrics registers the orchestrator's Prometheus instruments on the
// default registry, served from the ops endpoint's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts orchestration ticks, successful or not.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "orchestration_ticks_total",
		Help:      "Number of orchestration ticks executed.",
	})

	// JobsCreated counts pipeline jobs created by the daily initiator.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "jobs_created_total",
		Help:      "Number of pipeline jobs created.",
	})

	// JobsFinished counts jobs reaching a terminal status, by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "jobs_finished_total",
		Help:      "Number of jobs that reached a terminal status.",
	}, []string{"status"})

	// ExportsPolled counts individual export status checks.
	ExportsPolled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "exports_polled_total",
		Help:      "Number of export poll attempts.",
	})

	// ExportTransitions counts export state transitions, by resulting state.
	ExportTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "export_transitions_total",
		Help:      "Number of export state transitions observed by the poller.",
	}, []string{"state"})

	// ReportsSent counts delivered end-of-job reports.
	ReportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "reports_sent_total",
		Help:      "Number of end-of-job reports delivered.",
	})

	// PullRequestsOpened counts pull requests opened by the website stage.
	PullRequestsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ipa",
		Name:      "pull_requests_opened_total",
		Help:      "Number of website pull requests opened.",
	})

	// HeartbeatTimestamp is the unix time of the last completed tick.
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ipa",
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix timestamp of the last liveness heartbeat.",
	})
)
