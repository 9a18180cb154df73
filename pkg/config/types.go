// Package config provides configuration types and loading for pubsubd.
package config

import "time"

// Config is the complete pubsubd configuration.
// Values can come from multiple sources with the following precedence:
// 1. Command-line flags (highest priority)
// 2. Environment variables (PUBSUBD_*)
// 3. YAML config file
// 4. Default values (lowest priority)
type Config struct {
	// Server settings
	Addr            string        `yaml:"addr" env:"ADDR"`
	Path            string        `yaml:"path" env:"PATH"`
	Debug           bool          `yaml:"debug" env:"DEBUG"`
	MetricsPath     string        `yaml:"metrics_path" env:"METRICS_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Relay     RelayConfig     `yaml:"relay" envPrefix:"RELAY_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WS_"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	// File is an optional append-only log file written alongside stderr.
	File string `yaml:"file,omitempty" env:"FILE"`
}

// RelayConfig configures the external relay used to reach sibling brokers.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Driver         string        `yaml:"driver" env:"DRIVER"`
	URL            string        `yaml:"url,omitempty" env:"URL"`
	Prefix         string        `yaml:"prefix" env:"PREFIX"`
	RetryAttempts  int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval  time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// WebSocketConfig configures per-connection limits.
type WebSocketConfig struct {
	MaxMessageSize    int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	SendBuffer        int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	OriginPatterns    []string      `yaml:"origin_patterns,omitempty" env:"ORIGIN_PATTERNS"`
}
