package config

import (
	"time"

	"github.com/getmockd/pubsubd/pkg/broker"
	"github.com/getmockd/pubsubd/pkg/relay"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":1234"

// DriverRedis selects the Redis relay.
const DriverRedis = "redis"

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Addr:            DefaultAddr,
		Path:            broker.DefaultPath,
		MetricsPath:     broker.DefaultMetricsPath,
		ShutdownTimeout: broker.DefaultShutdownTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Driver:         DriverRedis,
			Prefix:         relay.DefaultPrefix,
			RetryAttempts:  3,
			RetryInterval:  time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize:   64 << 10,
			SendBuffer:       broker.DefaultSendBuffer,
			WriteTimeout:     broker.DefaultWriteTimeout,
			HeartbeatTimeout: broker.DefaultHeartbeatTimeout,
		},
	}
}
