package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/getmockd/pubsubd/pkg/metrics"
	"github.com/getmockd/pubsubd/pkg/registry"
	"github.com/getmockd/pubsubd/pkg/relay"
)

// envelope wraps relayed payloads with the publishing node so that the
// relay's echo of a local publish is not delivered twice.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Relayed delivers locally and forwards every publish through a relay.
type Relayed struct {
	local  *Local
	relay  relay.Relay
	nodeID string
	// prefix is the encoded envelope up to the payload value.
	prefix []byte

	mu     sync.Mutex
	remote map[string]struct{}
}

var _ Adapter = (*Relayed)(nil)

// NewRelayed creates an adapter that forwards publishes through r.
func NewRelayed(reg *registry.Registry, r relay.Relay, opts ...Option) *Relayed {
	o := buildOptions(opts)
	if o.nodeID == "" {
		o.nodeID = uuid.NewString()
	}
	origin, _ := json.Marshal(o.nodeID)
	prefix := append([]byte(`{"origin":`), origin...)
	prefix = append(prefix, `,"payload":`...)
	return &Relayed{
		local: &Local{
			reg:     reg,
			logger:  o.logger.With("node", o.nodeID),
			metrics: o.metrics,
		},
		relay:  r,
		nodeID: o.nodeID,
		prefix: prefix,
		remote: make(map[string]struct{}),
	}
}

// NodeID returns the identifier stamped on payloads published by this node.
func (a *Relayed) NodeID() string {
	return a.nodeID
}

// Publish delivers payload locally, then forwards it to the relay. Relay
// failures are logged and counted but do not affect the returned count.
func (a *Relayed) Publish(ctx context.Context, channel string, payload []byte) int {
	sent := a.local.deliver(channel, payload)
	if channel == "" {
		return sent
	}

	if err := a.relay.Publish(ctx, channel, a.wrap(payload)); err != nil {
		a.local.metrics.RelayErrors.WithLabelValues(metrics.OpPublish).Inc()
		a.local.logger.Warn("relay publish failed", "channel", channel, "error", err)
		return sent
	}
	a.local.metrics.RelayPublishes.Inc()
	return sent
}

// SubscribeRemote subscribes the relay to channel the first time it is
// called for that channel. A failed subscription is retried on the next call.
func (a *Relayed) SubscribeRemote(ctx context.Context, channel string) error {
	if channel == "" {
		return nil
	}

	a.mu.Lock()
	if _, ok := a.remote[channel]; ok {
		a.mu.Unlock()
		return nil
	}
	a.remote[channel] = struct{}{}
	a.mu.Unlock()

	if err := a.relay.Subscribe(ctx, channel); err != nil {
		a.mu.Lock()
		delete(a.remote, channel)
		a.mu.Unlock()
		a.local.metrics.RelayErrors.WithLabelValues(metrics.OpSubscribe).Inc()
		a.local.logger.Warn("relay subscribe failed", "channel", channel, "error", err)
		return err
	}
	a.local.logger.Debug("relay subscribed", "channel", channel)
	return nil
}

// RemoteChannels reports how many channels the relay is subscribed to.
func (a *Relayed) RemoteChannels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.remote)
}

// OnExternalMessage delivers a relay message to local subscribers. Messages
// this node published itself are dropped. It never forwards to the relay.
func (a *Relayed) OnExternalMessage(_ context.Context, channel string, payload []byte) int {
	a.local.metrics.RelayMessagesReceived.Inc()

	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Origin != "" && env.Payload != nil {
		if env.Origin == a.nodeID {
			return 0
		}
		payload = env.Payload
	}
	return a.local.deliver(channel, payload)
}

// Relayed returns true.
func (a *Relayed) Relayed() bool {
	return true
}

// Run consumes the relay's inbound stream until ctx is done.
func (a *Relayed) Run(ctx context.Context) error {
	err := a.relay.Run(ctx, func(channel string, payload []byte) {
		a.OnExternalMessage(ctx, channel, payload)
	})
	if err != nil {
		a.local.metrics.RelayErrors.WithLabelValues(metrics.OpReceive).Inc()
	}
	return err
}

// Close closes the relay.
func (a *Relayed) Close() error {
	return a.relay.Close()
}

// wrap encodes payload in an envelope. The payload bytes are embedded as
// they are so that remote subscribers receive exactly what local ones do.
// Payloads that are not valid JSON are forwarded as they are.
func (a *Relayed) wrap(payload []byte) []byte {
	if !json.Valid(payload) {
		return payload
	}
	data := make([]byte, 0, len(a.prefix)+len(payload)+1)
	data = append(data, a.prefix...)
	data = append(data, payload...)
	return append(data, '}')
}
