// Package metrics declares the service's Prometheus metrics. They register
// with the default registry on import and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notary"

// AuthAttemptsTotal counts sign-in attempts.
// Label result: "success" or the failure reason (e.g. "nonce_used", "signature")
var AuthAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Total number of sign-in attempts, by result.",
	},
	[]string{"result"},
)

// NoncesIssuedTotal counts issued challenges
var NoncesIssuedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nonces_issued_total",
		Help:      "Total number of challenges issued.",
	},
)

// NoncesSweptTotal counts expired challenges removed by the sweeper
var NoncesSweptTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nonces_swept_total",
		Help:      "Total number of expired challenges removed.",
	},
)

// DocumentOperationsTotal counts document operations.
// Labels:
//   - operation: register, verify, revoke, status, verify_artifact
//   - result: "ok" or the error kind
var DocumentOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "document_operations_total",
		Help:      "Total number of document operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// RateLimitedTotal counts requests rejected by the rate limiter
var RateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by the rate limiter, by route.",
	},
	[]string{"route"},
)

// HTTPRequestDuration measures request latency
var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route, method and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method", "status"},
)
