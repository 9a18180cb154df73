// Package adapter implements the distribution backends used by reactors to
// publish payloads: Local delivers through the process registry only, and
// Relayed additionally forwards through an external relay so sibling broker
// processes reach their own subscribers.
package adapter

import (
	"context"
	"log/slog"

	"github.com/getmockd/pubsubd/pkg/logging"
	"github.com/getmockd/pubsubd/pkg/metrics"
	"github.com/getmockd/pubsubd/pkg/registry"
)

// Adapter is the publish capability shared by every reactor of a server.
type Adapter interface {
	// Publish delivers payload to the local subscribers of channel and
	// returns how many accepted it. It never fails because of a subscriber.
	Publish(ctx context.Context, channel string, payload []byte) int
	// SubscribeRemote declares local interest in channel to the relay.
	SubscribeRemote(ctx context.Context, channel string) error
	// OnExternalMessage delivers a relay message to local subscribers only.
	OnExternalMessage(ctx context.Context, channel string, payload []byte) int
	// Relayed reports whether publishes leave the process.
	Relayed() bool
	// Run blocks until ctx is done or the relay stream ends.
	Run(ctx context.Context) error
	// Close releases the relay connection, if any.
	Close() error
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	nodeID  string
}

// Option configures an adapter.
type Option func(*options)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the collectors updated by the adapter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithNodeID overrides the generated node identifier stamped on relayed
// payloads.
func WithNodeID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.nodeID = id
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  logging.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Local delivers payloads to the subscribers recorded in the registry.
type Local struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Adapter = (*Local)(nil)

// NewLocal creates a registry-only adapter.
func NewLocal(reg *registry.Registry, opts ...Option) *Local {
	o := buildOptions(opts)
	return &Local{
		reg:     reg,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Publish delivers payload to every current subscriber of channel.
func (l *Local) Publish(_ context.Context, channel string, payload []byte) int {
	return l.deliver(channel, payload)
}

// SubscribeRemote is a no-op for local delivery.
func (l *Local) SubscribeRemote(context.Context, string) error {
	return nil
}

// OnExternalMessage performs local delivery.
func (l *Local) OnExternalMessage(_ context.Context, channel string, payload []byte) int {
	return l.deliver(channel, payload)
}

// Relayed returns false.
func (l *Local) Relayed() bool {
	return false
}

// Run waits for ctx to be done.
func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close is a no-op.
func (l *Local) Close() error {
	return nil
}

// deliver sends payload to a snapshot of the channel's subscribers. A failed
// send removes that entry so later publishes skip it.
func (l *Local) deliver(channel string, payload []byte) int {
	if channel == "" {
		return 0
	}

	sent := 0
	for _, e := range l.reg.SubscribersOf(channel) {
		if err := e.Subscriber.Send(payload); err != nil {
			if l.reg.Remove(channel, e.Subscriber.ID()) {
				l.metrics.Subscriptions.Dec()
			}
			l.metrics.DeliveryFailures.Inc()
			l.logger.Debug("removed stale subscriber",
				"channel", channel,
				"subscriber", e.Subscriber.ID(),
				"error", err,
			)
			continue
		}
		sent++
	}
	l.metrics.Deliveries.Add(float64(sent))
	return sent
}
