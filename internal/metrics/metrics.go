package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
}

var (
	// IssueDuration tracks the latency of coupon issuance by outcome.
	IssueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coupon_issue_duration_seconds",
			Help:    "Duration of coupon issuance requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"outcome"},
	)

	// IssueTotal counts issue attempts by outcome.
	IssueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_issue_total",
			Help: "Coupon issue attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockWait tracks how long callers waited for the campaign lock.
	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coupon_lock_wait_seconds",
			Help:    "Time spent waiting for the campaign lock in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"result"}, // acquired or timeout or error
	)

	// QuotaReseeds counts rebuilds of the shared quota counter from the durable store.
	QuotaReseeds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coupon_quota_reseed_total",
			Help: "Number of times a quota counter was reseeded from the durable store",
		},
	)
)

// RecordIssue records the duration and outcome of an issue attempt.
func RecordIssue(outcome string, duration time.Duration) {
	IssueDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	IssueTotal.WithLabelValues(outcome).Inc()
}

// RecordLockWait records a lock acquisition attempt.
func RecordLockWait(result string, waited time.Duration) {
	LockWait.WithLabelValues(result).Observe(waited.Seconds())
}
