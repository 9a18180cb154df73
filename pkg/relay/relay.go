// Package relay connects a broker to an external pub/sub system so that
// payloads published on one broker process reach subscribers of sibling
// processes.
//
// Two implementations are provided: Redis, backed by Redis Pub/Sub, and
// Memory, an in-process hub for running several brokers inside one process.
package relay

import (
	"context"
	"errors"
)

// Common errors for the relay package.
var (
	// ErrClosed indicates the relay has been closed.
	ErrClosed = errors.New("relay closed")
	// ErrEmptyURL indicates no connection URL was configured.
	ErrEmptyURL = errors.New("empty relay connection URL")
	// ErrInvalidURL indicates the connection URL could not be parsed.
	ErrInvalidURL = errors.New("invalid relay connection URL")
	// ErrNotReady indicates the relay did not become reachable in time.
	ErrNotReady = errors.New("relay did not become ready within the given time period")
)

// Handler receives messages delivered by the relay.
type Handler func(channel string, payload []byte)

// Relay is the capability the distribution adapter needs from an external
// pub/sub system.
type Relay interface {
	// Publish forwards payload to every process subscribed to channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving messages for the given channels.
	Subscribe(ctx context.Context, channels ...string) error
	// Run delivers inbound messages to h until ctx is done or the relay
	// is closed.
	Run(ctx context.Context, h Handler) error
	// Close releases the relay connection.
	Close() error
}
