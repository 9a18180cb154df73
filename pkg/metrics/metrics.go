package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pubsubd"

// Relay operation label values.
const (
	OpPublish   = "publish"
	OpSubscribe = "subscribe"
	OpReceive   = "receive"
)

// Metrics holds every collector the broker updates.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	FramesReceived        *prometheus.CounterVec
	Deliveries            prometheus.Counter
	DeliveryFailures      prometheus.Counter
	Subscriptions         prometheus.Gauge
	RelayPublishes        prometheus.Counter
	RelayErrors           *prometheus.CounterVec
	RelayMessagesReceived prometheus.Counter
}

// New creates the broker collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live WebSocket connections.",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by protocol action.",
		}, []string{"action"}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Payloads queued to subscriber connections.",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Deliveries that failed and removed a stale subscriber.",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Registry entries across all channels.",
		}),
		RelayPublishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publishes_total",
			Help:      "Payloads forwarded to the external relay.",
		}),
		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "External relay failures by operation.",
		}, []string{"op"}),
		RelayMessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_received_total",
			Help:      "Payloads received from the external relay.",
		}),
	}
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	return New(nil)
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
