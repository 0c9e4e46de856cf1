package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallTransitions counts coordinator state changes by target state.
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_call_transitions_total",
			Help: "Total number of call state transitions",
		},
		[]string{"state"},
	)

	// CallFailures counts terminal call failures by reason code.
	CallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_call_failures_total",
			Help: "Total number of failed calls",
		},
		[]string{"reason"},
	)

	// ActiveCalls tracks coordinators that have not been torn down.
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medilink_active_calls",
			Help: "Number of calls currently owned by this agent",
		},
	)

	// QualitySamples counts quality classifications (good|fair|poor|unknown).
	QualitySamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_call_quality_samples_total",
			Help: "Total number of call quality samples",
		},
		[]string{"quality"},
	)

	// HeartbeatOutcomes records session heartbeat ticks (ok|vanished|error).
	HeartbeatOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_session_heartbeats_total",
			Help: "Total number of session heartbeat ticks",
		},
		[]string{"result"},
	)

	// SessionsRevoked counts deleted session records by cause (revoke|revoke_others|sweep|logout).
	SessionsRevoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_sessions_revoked_total",
			Help: "Total number of revoked sessions",
		},
		[]string{"cause"},
	)

	// IPLookups records public IP lookups by result (ok|fallback).
	IPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medilink_ip_lookups_total",
			Help: "Total number of public IP lookups",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medilink_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
