package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/sensord/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "sensord.toml")
	err := os.WriteFile(configPath, []byte(content), 0o600)
	require.NoError(t, err)

	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
interval = "30s"
workers = 4
log_level = "debug"
database = "/path/to/samples.db"

[state]
backend = "yaml"
file = "/path/to/state.yaml"

[source]
kind = "mqtt"

[mqtt]
broker = "localhost:1883"
topic_prefix = "home/sensors"

[http]
listen = ":8080"
`)

	// Set environment variable to point to the test config file
	t.Setenv("SENSORD_CONFIG", configPath)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Interval, "Expected Interval 30s")
	assert.Equal(t, 4, cfg.Workers, "Expected Workers 4")
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel debug")
	assert.Equal(t, "/path/to/samples.db", cfg.Database)
	assert.Equal(t, config.StateYAML, cfg.State.Backend)
	assert.Equal(t, "/path/to/state.yaml", cfg.State.File)
	assert.Equal(t, config.SourceMQTT, cfg.Source.Kind)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "home/sensors", cfg.MQTT.TopicPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoadDefaults(t *testing.T) {
	// Ensure no config file is used
	t.Setenv("SENSORD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultInterval, cfg.Interval, "Expected default Interval 5m")
	assert.Equal(t, config.DefaultWorkers, cfg.Workers)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "Expected default LogLevel info")
	assert.Equal(t, config.DefaultDatabasePath, cfg.Database)
	assert.Equal(t, config.StateSQLite, cfg.State.Backend)
	assert.Equal(t, config.SourceSimulated, cfg.Source.Kind)
	assert.InDelta(t, config.DefaultSourceRate, cfg.Source.Rate, 1e-9)
	assert.Equal(t, config.DefaultMQTTTopicPrefix, cfg.MQTT.TopicPrefix)
	assert.Empty(t, cfg.HTTP.Listen)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("SENSORD_CONFIG", configPath)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "invalid"
`)
	t.Setenv("SENSORD_CONFIG", configPath)

	_, err := config.Load(config.WithArgs(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_log_level")
}

func TestInvalidInterval(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	_, err := config.Load(config.WithArgs([]string{"--interval", "0s"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_interval")
}

func TestLogLevelFlag(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--log-level", "warning"}))
	require.NoError(t, err)
	assert.Equal(t, "warning", cfg.GetLogLevel(), "Expected LogLevel to be set by flag")
}

func TestDebugFlag(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{"--debug"}))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.GetLogLevel())
}

func TestFlagOverridesFileAndEnv(t *testing.T) {
	configPath := writeConfig(t, `
interval = "1m"
workers = 3
`)
	t.Setenv("SENSORD_CONFIG", configPath)
	t.Setenv("SENSORD_WORKERS", "5")

	cfg, err := config.Load(config.WithArgs([]string{"--interval", "10s"}))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.GetInterval(), "flag beats file")
	assert.Equal(t, 5, cfg.GetWorkers(), "env beats file")
}

func TestNestedEnv(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")
	t.Setenv("SENSORD_HTTP_LISTEN", "127.0.0.1:9000")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.GetHTTPListen())
}

func TestYAMLStateFileDerived(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs([]string{
		"--state-backend", "yaml",
		"--database", "/data/sensord/samples.db",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/data/sensord/state.yaml", cfg.GetStateFile())
}

func TestMQTTRequiresBroker(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	_, err := config.Load(config.WithArgs([]string{"--source", "mqtt"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}

func TestUnknownBackend(t *testing.T) {
	t.Setenv("SENSORD_CONFIG", "")

	_, err := config.Load(config.WithArgs([]string{"--state-backend", "redis"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_configuration")
}

func TestExplicitConfigFileOption(t *testing.T) {
	configPath := writeConfig(t, `workers = 7`)
	t.Setenv("SENSORD_CONFIG", "")

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(configPath))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.GetWorkers())
}
