// Package metrics provides Prometheus collectors for the pubsubd broker.
//
// Collectors are grouped in a Metrics value that is registered against a
// prometheus.Registerer, so tests can use an isolated registry while the
// server uses the default one.
//
// # Collected Metrics
//
//   - pubsubd_connections_active: Gauge of live WebSocket connections
//   - pubsubd_frames_received_total: Counter of inbound frames (labels: action)
//   - pubsubd_deliveries_total: Counter of payloads written to subscriber queues
//   - pubsubd_delivery_failures_total: Counter of failed deliveries (stale entries removed)
//   - pubsubd_subscriptions: Gauge of (channel, connection) registry entries
//   - pubsubd_relay_publishes_total: Counter of payloads forwarded to the relay
//   - pubsubd_relay_errors_total: Counter of relay failures (labels: op)
//   - pubsubd_relay_messages_received_total: Counter of payloads received from the relay
//
// # Label Conventions
//
// The action label uses the wire protocol names (subscribe, unsubscribe,
// unsubscribe_all, publish) plus "unknown" for everything else, including
// non-JSON frames. The op label is one of publish, subscribe, receive.
//
// # Usage
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.FramesReceived.WithLabelValues("publish").Inc()
//
//	http.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
package metrics
