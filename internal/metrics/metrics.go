// Package metrics holds the Prometheus collectors exported by the relay binaries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion outcomes.
const (
	OutcomeStored   = "stored"
	OutcomeGateway  = "gateway"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	// Ingestion Metrics
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_total",
			Help: "Ingested payloads by outcome",
		},
		[]string{"outcome"},
	)

	// Fan-out Metrics
	BroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_total",
			Help: "Real-time events broadcast to dashboard clients",
		},
		[]string{"event"},
	)

	BroadcastDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_dropped_total",
			Help: "Real-time events dropped because a buffer was full or publishing failed",
		},
		[]string{"event"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_websocket_clients",
			Help: "Currently connected dashboard clients",
		},
	)

	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Bridge Metrics
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bridge_messages_total",
			Help: "MQTT messages handled by the bridge by result",
		},
		[]string{"result"}, // "received", "forwarded", "dropped"
	)

	// Embedded Broker Metrics
	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_publishes_total",
			Help: "PUBLISH packets received by the embedded MQTT broker by QoS",
		},
		[]string{"qos"},
	)

	BridgeBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_bridge_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// RecordIngest counts one ingestion outcome.
func RecordIngest(outcome string) {
	IngestTotal.WithLabelValues(outcome).Inc()
}

// RecordBroadcast counts one broadcast, or one dropped broadcast.
func RecordBroadcast(event string, delivered bool) {
	if delivered {
		BroadcastTotal.WithLabelValues(event).Inc()
		return
	}
	BroadcastDropped.WithLabelValues(event).Inc()
}

// RecordHTTPRequest observes one served request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// RecordBridgeMessage counts one bridge message result.
func RecordBridgeMessage(result string) {
	BridgeMessages.WithLabelValues(result).Inc()
}

// RecordBrokerPublish counts one publish received by the embedded broker.
func RecordBrokerPublish(qos byte) {
	BrokerPublishes.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
