package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the pub/sub broker. Scraped from /metrics.
var (
	// Session metrics
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_sessions_total",
		Help: "Total number of WebSocket sessions established",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_sessions_active",
		Help: "Current number of active WebSocket sessions",
	})

	SessionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_sessions_rejected_total",
		Help: "Total number of connections rejected at admission",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_disconnects_total",
		Help: "Total session teardowns by reason",
	}, []string{"reason"})

	// Topic and subscription metrics
	TopicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_topics_active",
		Help: "Current number of topics",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_subscriptions_active",
		Help: "Current number of attached subscriber queues",
	})

	// Message metrics
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_messages_published_total",
		Help: "Total number of messages accepted by publish",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_messages_delivered_total",
		Help: "Total number of messages enqueued to subscriber queues",
	})

	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_messages_dropped_total",
		Help: "Total number of messages evicted from full subscriber queues",
	})

	SlowConsumersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_slow_consumers_evicted_total",
		Help: "Total number of subscribers disconnected for falling behind",
	})

	// Frame metrics
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_frames_received_total",
		Help: "Total number of frames received from clients",
	})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_frames_sent_total",
		Help: "Total number of frames sent to clients",
	})

	FramesRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_frames_rate_limited_total",
		Help: "Total number of inbound frames dropped by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsRejected)
	prometheus.MustRegister(DisconnectsTotal)

	prometheus.MustRegister(TopicsActive)
	prometheus.MustRegister(SubscriptionsActive)

	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(SlowConsumersEvicted)

	prometheus.MustRegister(FramesReceived)
	prometheus.MustRegister(FramesSent)
	prometheus.MustRegister(FramesRateLimited)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
