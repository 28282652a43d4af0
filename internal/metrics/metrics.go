// Package metrics provides Prometheus instrumentation for the key pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts caller-facing executions by outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_executions_total",
			Help: "Total number of executor runs.",
		},
		[]string{"operation", "status"}, // status: "success", "exhausted", "failed", "invalid"
	)

	// FailoversTotal counts key switches inside the executor.
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_failovers_total",
			Help: "Total number of key failovers.",
		},
		[]string{"reason"}, // a limit kind, "transient" or "auth"
	)

	// KeyTransitionsTotal counts active/inactive status writes.
	KeyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrelay_key_transitions_total",
			Help: "Total number of key status transitions.",
		},
		[]string{"state", "kind"},
	)

	// ProviderLatency tracks the duration of a single upstream attempt.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyrelay_provider_latency_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	// TokensTotal tokens recorded against the pool.
	TokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyrelay_tokens_total",
			Help: "Total number of tokens recorded.",
		},
	)

	// PoolKeys current number of keys per state.
	PoolKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyrelay_pool_keys",
			Help: "Number of keys per state.",
		},
		[]string{"state"}, // "active", "idle", "MINUTE", "DAILY", "TOKEN"
	)
)
