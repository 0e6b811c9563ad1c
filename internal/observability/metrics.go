package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	subscriptionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobsync_subscription_state",
			Help: "Number of change feed subscriptions per category and state.",
		},
		[]string{"category", "state"},
	)
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsync_feed_events_total",
			Help: "Total number of change feed events delivered.",
		},
		[]string{"category", "type"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsync_subscription_handshake_seconds",
			Help:    "Time from subscribe to backend acknowledgement.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)
	mergeResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsync_merge_results_total",
			Help: "Outcome of folding live events into the active room timeline.",
		},
		[]string{"result"},
	)
	markReadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobsync_mark_read_errors_total",
			Help: "Total number of mark-as-read calls that failed after retries.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		subscriptionState,
		feedEventsTotal,
		handshakeDuration,
		mergeResultsTotal,
		markReadErrorsTotal,
	)
}

// TransitionSubscription moves one subscription of category from one state
// gauge to another. Empty states are skipped.
func TransitionSubscription(category, from, to string) {
	if from == to {
		return
	}
	if from != "" {
		subscriptionState.WithLabelValues(category, from).Dec()
	}
	if to != "" {
		subscriptionState.WithLabelValues(category, to).Inc()
	}
}

func IncFeedEvent(category, eventType string) {
	feedEventsTotal.WithLabelValues(category, eventType).Inc()
}

func ObserveHandshake(category string, started time.Time) {
	handshakeDuration.WithLabelValues(category).Observe(time.Since(started).Seconds())
}

func IncMergeResult(result string) {
	mergeResultsTotal.WithLabelValues(result).Inc()
}

func IncMarkReadError() {
	markReadErrorsTotal.Inc()
}
