package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/pubsubd/pkg/broker"
	"github.com/getmockd/pubsubd/pkg/logging"
	"github.com/getmockd/pubsubd/pkg/relay"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "PUBSUBD_"

// GlobalConfigDir is the directory under the user config dir holding the
// global config file.
const GlobalConfigDir = "pubsubd"

// LocalConfigFileNames are the names searched in the current directory (in order).
var LocalConfigFileNames = []string{"pubsubd.yaml", "pubsubd.yml", ".pubsubd.yaml"}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ConfigError is a configuration file error.
type ConfigError struct {
	Path    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return e.Path + ": " + e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Find returns the first config file found in the current directory, then
// in the user config directory. It returns "" when there is none.
func Find() string {
	if cwd, err := os.Getwd(); err == nil {
		for _, name := range LocalConfigFileNames {
			path := filepath.Join(cwd, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(dir, GlobalConfigDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Message: "read failed", Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{
			Path:    path,
			Message: strings.TrimPrefix(err.Error(), "yaml: "),
			Err:     err,
		}
	}
	return nil
}

// ApplyEnv overlays PUBSUBD_* environment variables onto cfg. environ
// replaces the process environment when non-nil.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, the config file at path (or
// the one Find locates when path is empty) and the environment. The result
// is not validated; callers apply flags first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Find()
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Addr == "" {
		add("addr is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		add("path %q must start with /", c.Path)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		add("metrics_path %q must start with /", c.MetricsPath)
	}
	for _, reserved := range []string{"/healthz", c.MetricsPath} {
		if reserved != "" && c.Path == reserved {
			add("path %q is reserved", c.Path)
		}
	}
	if c.Relay.Enabled {
		if c.Relay.Driver != DriverRedis {
			add("unknown relay driver %q", c.Relay.Driver)
		}
		if c.Relay.URL == "" {
			add("relay.url is required when the relay is enabled")
		}
	}
	if c.WebSocket.SendBuffer <= 0 {
		add("websocket.send_buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize < 0 {
		add("websocket.max_message_size must not be negative")
	}
	if c.WebSocket.HeartbeatInterval < 0 {
		add("websocket.heartbeat_interval must not be negative")
	}
	return errors.Join(errs...)
}

// Broker returns the broker server settings.
func (c *Config) Broker() broker.Config {
	return broker.Config{
		Path:              c.Path,
		Debug:             c.Debug,
		MaxMessageSize:    c.WebSocket.MaxMessageSize,
		SendBuffer:        c.WebSocket.SendBuffer,
		WriteTimeout:      c.WebSocket.WriteTimeout,
		HeartbeatInterval: c.WebSocket.HeartbeatInterval,
		HeartbeatTimeout:  c.WebSocket.HeartbeatTimeout,
		MetricsPath:       c.MetricsPath,
		ShutdownTimeout:   c.ShutdownTimeout,
		OriginPatterns:    c.WebSocket.OriginPatterns,
	}
}

// Redis returns the Redis relay settings.
func (c *RelayConfig) Redis() relay.RedisConfig {
	return relay.RedisConfig{
		URL:            c.URL,
		Prefix:         c.Prefix,
		RetryAttempts:  c.RetryAttempts,
		RetryInterval:  c.RetryInterval,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// Logging returns the logging settings. Debug mode forces the debug level.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	if c.Debug {
		cfg.Level = logging.LevelDebug
	}
	cfg.Format = logging.ParseFormat(c.Log.Format)
	cfg.File = c.Log.File
	return cfg
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
