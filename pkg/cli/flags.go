package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/getmockd/pubsubd/pkg/config"
)

// serverFlags are the broker settings that can be overridden on the command
// line. Only flags the user actually set are applied over the loaded config.
type serverFlags struct {
	addr           string
	path           string
	debug          bool
	metricsPath    string
	logLevel       string
	logFormat      string
	logFile        string
	relay          bool
	relayURL       string
	relayPrefix    string
	sendBuffer     int
	maxMessageSize int64
	heartbeat      time.Duration
}

func addServerFlags(cmd *cobra.Command) *serverFlags {
	d := config.Default()
	f := &serverFlags{}
	fs := cmd.Flags()
	fs.StringVar(&f.addr, "addr", d.Addr, "Listen address")
	fs.StringVar(&f.path, "path", d.Path, "WebSocket endpoint path")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging of every inbound frame")
	fs.StringVar(&f.metricsPath, "metrics-path", d.MetricsPath, "Prometheus metrics path (empty disables)")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", d.Log.Format, "Log format (text, json)")
	fs.StringVar(&f.logFile, "log-file", "", "Also append logs to this file")
	fs.BoolVar(&f.relay, "relay", false, "Relay channels through Redis")
	fs.StringVar(&f.relayURL, "relay-url", "", "Redis URL, e.g. redis://localhost:6379/0 (implies --relay)")
	fs.StringVar(&f.relayPrefix, "relay-prefix", d.Relay.Prefix, "Prefix for relayed channel names")
	fs.IntVar(&f.sendBuffer, "send-buffer", d.WebSocket.SendBuffer, "Outbound frames queued per connection")
	fs.Int64Var(&f.maxMessageSize, "max-message-size", d.WebSocket.MaxMessageSize, "Maximum inbound frame size in bytes")
	fs.DurationVar(&f.heartbeat, "heartbeat", 0, "Ping interval (0 disables)")
	return f
}

// apply copies every flag set in fs onto cfg.
func (f *serverFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("path") {
		cfg.Path = f.path
	}
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}
	if fs.Changed("metrics-path") {
		cfg.MetricsPath = f.metricsPath
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if fs.Changed("relay") {
		cfg.Relay.Enabled = f.relay
	}
	if fs.Changed("relay-url") {
		cfg.Relay.URL = f.relayURL
		cfg.Relay.Enabled = true
	}
	if fs.Changed("relay-prefix") {
		cfg.Relay.Prefix = f.relayPrefix
	}
	if fs.Changed("send-buffer") {
		cfg.WebSocket.SendBuffer = f.sendBuffer
	}
	if fs.Changed("max-message-size") {
		cfg.WebSocket.MaxMessageSize = f.maxMessageSize
	}
	if fs.Changed("heartbeat") {
		cfg.WebSocket.HeartbeatInterval = f.heartbeat
	}
}

// loadConfig resolves defaults, file, environment and flags, then validates.
func loadConfig(cmd *cobra.Command, f *serverFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	f.apply(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration:\n%w", err)
	}
	return cfg, nil
}
