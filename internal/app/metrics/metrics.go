// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pointsd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointsd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsd",
			Subsystem: "ledger",
			Name:      "events_applied_total",
			Help:      "Total number of accepted ledger events.",
		},
		[]string{"kind"},
	)

	ledgerAmendments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsd",
			Subsystem: "ledger",
			Name:      "event_corrections_total",
			Help:      "Total number of event amendments and deletions.",
		},
		[]string{"op"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pointsd",
			Subsystem: "ledger",
			Name:      "batch_size",
			Help:      "Number of tuples per batch apply.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	feedSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pointsd",
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Current number of live feed subscribers.",
		},
	)

	feedDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pointsd",
			Subsystem: "feed",
			Name:      "dropped_notifications_total",
			Help:      "Notifications dropped because a subscriber could not keep up.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerApplies,
		ledgerAmendments,
		batchSize,
		feedSubscribers,
		feedDropped,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight tracks a request entering the stack.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight tracks a request leaving the stack.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordApply records one accepted ledger event.
func RecordApply(kind string) { ledgerApplies.WithLabelValues(kind).Inc() }

// RecordCorrection records an amendment ("amend") or deletion ("delete").
func RecordCorrection(op string) { ledgerAmendments.WithLabelValues(op).Inc() }

// RecordBatch records the size of a batch apply.
func RecordBatch(size int) { batchSize.Observe(float64(size)) }

// FeedSubscriberJoined tracks a new live subscriber.
func FeedSubscriberJoined() { feedSubscribers.Inc() }

// FeedSubscriberLeft tracks a departed subscriber.
func FeedSubscriberLeft() { feedSubscribers.Dec() }

// FeedNotificationDropped counts a drop caused by a slow subscriber.
func FeedNotificationDropped() { feedDropped.Inc() }
