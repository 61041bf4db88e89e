package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookingcoord"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retried operation attempts after the first one, by operation.",
		},
		[]string{"operation"},
	)

	retryExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Operations that failed after all attempts, by operation.",
		},
		[]string{"operation"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Successful realtime handshakes after the first one.",
		},
	)

	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the realtime channel is connected.",
		},
	)

	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_publishes_total",
			Help:      "Outgoing realtime events by type and result (sent, dropped, queued).",
		},
		[]string{"type", "result"},
	)

	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_delivered_total",
			Help:      "Incoming realtime events dispatched to local handlers, by type.",
		},
		[]string{"type"},
	)

	roomsJoined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_joined",
			Help:      "Booking rooms with at least one local observer.",
		},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draft_submissions_total",
			Help:      "Draft submissions by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			retryAttempts,
			retryExhausted,
			reconnects,
			connected,
			publishes,
			eventsDelivered,
			roomsJoined,
			submissions,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncRetry(operation string) {
	retryAttempts.WithLabelValues(operation).Inc()
}

func IncExhausted(operation string) {
	retryExhausted.WithLabelValues(operation).Inc()
}

func IncReconnect() {
	reconnects.Inc()
}

func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

// IncPublish counts an outgoing event; result is one of sent, dropped or queued.
func IncPublish(eventType, result string) {
	publishes.WithLabelValues(eventType, result).Inc()
}

func IncDelivered(eventType string) {
	eventsDelivered.WithLabelValues(eventType).Inc()
}

func SetRoomsJoined(n int) {
	roomsJoined.Set(float64(n))
}

func IncSubmission(outcome string) {
	submissions.WithLabelValues(outcome).Inc()
}
