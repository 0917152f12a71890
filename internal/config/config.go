// Package config handles chargelight configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chargelight/config.yaml,
// /etc/chargelight/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chargelight", "config.yaml"))
	}

	paths = append(paths, "/etc/chargelight/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chargelight configuration.
type Config struct {
	// DataDir holds the persisted store (default: ~/.local/share/chargelight).
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Device    DeviceConfig    `yaml:"device"`
	Network   NetworkConfig   `yaml:"network"`
	Broker    BrokerConfig    `yaml:"broker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DeviceConfig tunes the orchestrator.
type DeviceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StatusTopic carries charge-point status for the indicator.
	StatusTopic string `yaml:"status_topic"`
	// ConnectionErrorPolicy is wait, retry or reboot.
	ConnectionErrorPolicy string        `yaml:"connection_error_policy"`
	ConnectionErrorRetry  time.Duration `yaml:"connection_error_retry"`
}

// InterfaceConfig describes one network interface.
type InterfaceConfig struct {
	// Device is the OS interface name (e.g. wlan0, eth0).
	Device string `yaml:"device"`
	// DefaultEnabled applies until the user toggles the interface.
	DefaultEnabled bool `yaml:"default_enabled"`
	// Poll is how often the host driver samples link state.
	Poll time.Duration `yaml:"poll"`
}

// NetworkConfig tunes the connectivity coordinator.
type NetworkConfig struct {
	WiFi     InterfaceConfig `yaml:"wifi"`
	Ethernet InterfaceConfig `yaml:"eth"`

	LivenessInterval time.Duration `yaml:"liveness_interval"`
	SettleInterval   time.Duration `yaml:"settle_interval"`

	// ProbeAddress is a host:port dialed to confirm the uplink works.
	// Empty disables probing.
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeFailures int           `yaml:"probe_failures"`

	// NoConnectionPolicy is wait, restart or reboot.
	NoConnectionPolicy string `yaml:"no_connection_policy"`
	EscalateAfter      int    `yaml:"escalate_after"`
}

// BackoffConfig shapes connect retry delays.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// SubscriptionConfig is a topic filter subscribed after a clean connect.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// BrokerConfig tunes the session manager and MQTT codec. The broker
// address and credentials live in the persisted store, written by
// `chargelight provision`.
type BrokerConfig struct {
	KeepAlive     uint16               `yaml:"keepalive"`      // seconds
	SessionExpiry uint32               `yaml:"session_expiry"` // seconds
	MaxAttempts   int                  `yaml:"max_attempts"`
	Backoff       BackoffConfig        `yaml:"backoff"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	ProcessDelay  time.Duration        `yaml:"process_delay"`
	QoS           byte                 `yaml:"qos"`
	OutboxSize    int                  `yaml:"outbox"`
	// RateLimit caps inbound messages per second. Zero disables.
	RateLimit int64 `yaml:"rate_limit"`
}

// TelemetryConfig controls heartbeat publishing.
type TelemetryConfig struct {
	Topic    string `yaml:"topic"`
	Encoding string `yaml:"encoding"` // json or cbor
	Retries  int    `yaml:"retries"`
}

// Load reads configuration from a YAML file. A .env file in the same
// directory is loaded first so ${VAR} references can use it; variables
// already in the environment win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:   expandHome("~/.local/share/chargelight"),
		LogLevel:  "info",
		LogFormat: "text",
		Device: DeviceConfig{
			HeartbeatInterval:     5 * time.Minute,
			StatusTopic:           "chargelight/status",
			ConnectionErrorPolicy: "wait",
			ConnectionErrorRetry:  10 * time.Minute,
		},
		Network: NetworkConfig{
			WiFi:               InterfaceConfig{Device: "wlan0", DefaultEnabled: true, Poll: 2 * time.Second},
			Ethernet:           InterfaceConfig{Device: "eth0", DefaultEnabled: true, Poll: 2 * time.Second},
			LivenessInterval:   15 * time.Minute,
			SettleInterval:     2 * time.Second,
			ProbeTimeout:       10 * time.Second,
			ProbeFailures:      2,
			NoConnectionPolicy: "wait",
			EscalateAfter:      4,
		},
		Broker: BrokerConfig{
			KeepAlive:     60,
			SessionExpiry: 3600,
			MaxAttempts:   5,
			Backoff: BackoffConfig{
				Initial:    500 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2.0,
				Jitter:     0.25,
			},
			ProcessDelay: 100 * time.Millisecond,
			QoS:          1,
			OutboxSize:   64,
		},
		Telemetry: TelemetryConfig{
			Topic:    "chargelight/heartbeat",
			Encoding: "json",
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	switch c.Device.ConnectionErrorPolicy {
	case "wait", "retry", "reboot":
	default:
		errs = append(errs, fmt.Errorf("device.connection_error_policy %q (valid: wait, retry, reboot)", c.Device.ConnectionErrorPolicy))
	}
	if c.Device.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("device.heartbeat_interval must be positive"))
	}

	switch c.Network.NoConnectionPolicy {
	case "wait", "restart", "reboot":
	default:
		errs = append(errs, fmt.Errorf("network.no_connection_policy %q (valid: wait, restart, reboot)", c.Network.NoConnectionPolicy))
	}
	if c.Network.WiFi.Device == "" && c.Network.Ethernet.Device == "" {
		errs = append(errs, errors.New("network: at least one of wifi.device or eth.device is required"))
	}
	if c.Network.ProbeFailures < 0 {
		errs = append(errs, errors.New("network.probe_failures must not be negative"))
	}

	if c.Broker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("broker.max_attempts must be positive"))
	}
	if c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos %d (valid: 0, 1, 2)", c.Broker.QoS))
	}
	for _, s := range c.Broker.Subscriptions {
		if s.Topic == "" {
			errs = append(errs, errors.New("broker.subscriptions: empty topic"))
		}
		if s.QoS > 2 {
			errs = append(errs, fmt.Errorf("broker.subscriptions %q: qos %d", s.Topic, s.QoS))
		}
	}
	if c.Broker.Backoff.Max > 0 && c.Broker.Backoff.Max < c.Broker.Backoff.Initial {
		errs = append(errs, errors.New("broker.backoff.max must be at least backoff.initial"))
	}

	switch c.Telemetry.Encoding {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("telemetry.encoding %q (valid: json, cbor)", c.Telemetry.Encoding))
	}
	if c.Telemetry.Topic == "" {
		errs = append(errs, errors.New("telemetry.topic is required"))
	}
	if c.Telemetry.Retries < 0 {
		errs = append(errs, errors.New("telemetry.retries must not be negative"))
	}

	return errors.Join(errs...)
}

// StorePath is the SQLite database holding identity, pairing and
// interface preferences.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "chargelight.db")
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
