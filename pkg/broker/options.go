package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getmockd/pubsubd/pkg/relay"
)

// Default server settings.
const (
	DefaultPath             = "/ws"
	DefaultMetricsPath      = "/metrics"
	DefaultSendBuffer       = 256
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

// Config holds the settings of a Server.
type Config struct {
	// Path is the WebSocket endpoint path.
	Path string
	// Debug logs every inbound frame.
	Debug bool
	// MaxMessageSize bounds inbound frames in bytes. Zero keeps the
	// websocket library default.
	MaxMessageSize int64
	// SendBuffer is the capacity of each connection's outbound queue.
	SendBuffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// HeartbeatInterval enables ping frames when positive.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds the wait for a pong.
	HeartbeatTimeout time.Duration
	// MetricsPath is where Prometheus metrics are served. Empty disables it.
	MetricsPath string
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
	// OriginPatterns restricts cross-origin upgrades. Empty allows any.
	OriginPatterns []string
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Path:             DefaultPath,
		SendBuffer:       DefaultSendBuffer,
		WriteTimeout:     DefaultWriteTimeout,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		MetricsPath:      DefaultMetricsPath,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// DispatchHandler receives frames the protocol does not understand.
type DispatchHandler func(ctx context.Context, r *Reactor, p Payload)

// Option configures a Server.
type Option func(*Server)

// WithRelay selects relayed distribution through r. The server owns r and
// closes it on shutdown.
func WithRelay(r relay.Relay) Option {
	return func(s *Server) {
		s.relay = r
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers the broker collectors with reg and serves reg on
// the metrics path. By default each server uses a private registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.promRegistry = reg
		}
	}
}

// WithDispatchHandler sets the hook for unknown actions and non-object
// frames.
func WithDispatchHandler(h DispatchHandler) Option {
	return func(s *Server) {
		s.dispatch = h
	}
}
