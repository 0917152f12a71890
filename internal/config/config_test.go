package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Point HOME at an empty dir so a developer's own config is not found.
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	if _, err := os.Stat("/etc/chargelight/config.yaml"); err == nil {
		t.Skip("system config present")
	}
	_, err := FindConfig("")
	assert.Error(t, err, "no config files anywhere")
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: info\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", got)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Device.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Broker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.Backoff.Initial)
	assert.Equal(t, "wlan0", cfg.Network.WiFi.Device)
	assert.Equal(t, "eth0", cfg.Network.Ethernet.Device)
	assert.NotRegexp(t, `^~`, cfg.DataDir, "data_dir not expanded")
}

func TestLoad_OverridesKeepSiblingDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
network:
  wifi:
    device: wlan1
  liveness_interval: 30s
broker:
  backoff:
    max: 8s
  subscriptions:
    - topic: cp/+/status
      qos: 1
telemetry:
  encoding: cbor
`))
	require.NoError(t, err)

	assert.Equal(t, "wlan1", cfg.Network.WiFi.Device)
	assert.True(t, cfg.Network.WiFi.DefaultEnabled, "wifi lost its defaults")
	assert.Equal(t, 2*time.Second, cfg.Network.WiFi.Poll, "wifi lost its defaults")
	assert.Equal(t, 30*time.Second, cfg.Network.LivenessInterval)
	assert.Equal(t, 8*time.Second, cfg.Broker.Backoff.Max)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.Backoff.Initial)
	require.Len(t, cfg.Broker.Subscriptions, 1)
	assert.Equal(t, "cp/+/status", cfg.Broker.Subscriptions[0].Topic)
	assert.Equal(t, "cbor", cfg.Telemetry.Encoding)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CHARGELIGHT_TEST_TOPIC", "site/7/heartbeat")
	cfg, err := Load(writeConfig(t, "telemetry:\n  topic: ${CHARGELIGHT_TEST_TOPIC}\n"))
	require.NoError(t, err)
	assert.Equal(t, "site/7/heartbeat", cfg.Telemetry.Topic)
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	path := writeConfig(t, "network:\n  probe_address: ${CHARGELIGHT_TEST_PROBE}\n")
	envFile := filepath.Join(filepath.Dir(path), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHARGELIGHT_TEST_PROBE=1.1.1.1:443\n"), 0600))
	// godotenv sets the variable process-wide; clear it afterwards.
	t.Setenv("CHARGELIGHT_TEST_PROBE", "")
	os.Unsetenv("CHARGELIGHT_TEST_PROBE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1:443", cfg.Network.ProbeAddress)
}

func TestLoad_EnvironmentBeatsDotEnv(t *testing.T) {
	path := writeConfig(t, "network:\n  probe_address: ${CHARGELIGHT_TEST_PROBE}\n")
	envFile := filepath.Join(filepath.Dir(path), ".env")
	os.WriteFile(envFile, []byte("CHARGELIGHT_TEST_PROBE=from-dotenv:1\n"), 0600)
	t.Setenv("CHARGELIGHT_TEST_PROBE", "from-env:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:2", cfg.Network.ProbeAddress)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "unknown log level"},
		{"log format", "log_format: xml\n", "log_format"},
		{"error policy", "device:\n  connection_error_policy: panic\n", "connection_error_policy"},
		{"no connection policy", "network:\n  no_connection_policy: shrug\n", "no_connection_policy"},
		{"encoding", "telemetry:\n  encoding: protobuf\n", "telemetry.encoding"},
		{"attempts", "broker:\n  max_attempts: 0\n", "max_attempts"},
		{"qos", "broker:\n  qos: 3\n", "broker.qos"},
		{"backoff", "broker:\n  backoff:\n    initial: 10s\n    max: 1s\n", "backoff.max"},
		{"no interfaces", "network:\n  wifi:\n    device: \"\"\n  eth:\n    device: \"\"\n", "at least one"},
		{"empty subscription", "broker:\n  subscriptions:\n    - qos: 1\n", "empty topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Encoding = "xml"
	cfg.Broker.MaxAttempts = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry.encoding")
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestStorePath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/chargelight"}
	assert.Equal(t, "/var/lib/chargelight/chargelight.db", cfg.StorePath())
}
