// Package metrics registers the Prometheus instruments shared by the edge
// and the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SOSCreated counts accepted SOS requests by source.
	SOSCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_sos_created_total",
		Help: "SOS requests accepted, by source.",
	}, []string{"source"})

	// SOSDuplicates counts inserts collapsed by mesh dedup.
	SOSDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmt_sos_duplicates_total",
		Help: "SOS requests deduplicated by mesh message id.",
	})

	// TriageCompleted counts triage runs by outcome (llm, fallback, failed).
	TriageCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_triage_completed_total",
		Help: "Triage pipeline completions, by outcome.",
	}, []string{"outcome"})

	// TriageDuration observes end-to-end triage latency.
	TriageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tmt_triage_duration_seconds",
		Help:    "Triage pipeline latency.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// AlertsCreated counts alerts by severity.
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_alerts_created_total",
		Help: "Alerts created, by severity.",
	}, []string{"severity"})

	// IntelMessages counts pulled channel messages by verdict
	// (crisis, noise, error).
	IntelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_intel_messages_total",
		Help: "Intel channel messages processed, by verdict.",
	}, []string{"verdict"})

	// EventsVerified counts verification verdicts (verified, unverified).
	EventsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_events_verified_total",
		Help: "Geo event verification verdicts.",
	}, []string{"verdict"})

	// SOSAutoResolved counts resolution-watcher closures.
	SOSAutoResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmt_sos_auto_resolved_total",
		Help: "SOS requests auto-resolved near an operational facility.",
	})

	// GeoEventsExpired counts rows removed by the TTL sweep.
	GeoEventsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tmt_geo_events_expired_total",
		Help: "Geo events removed by the TTL garbage collector.",
	})

	// RateLimited counts 429 responses by scope.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tmt_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})
)
