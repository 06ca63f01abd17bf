package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("REVERB_APP_ID", "app-1")
	t.Setenv("REVERB_APP_KEY", "key-1")
	t.Setenv("REVERB_APP_SECRET", "secret-1")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, int64(10000), cfg.MaxRequestSize)
	assert.Equal(t, 10000, cfg.MaxMessageSize)
	assert.False(t, cfg.ScalingEnabled)
	assert.Equal(t, DriverRedis, cfg.ScalingDriver)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	t.Setenv("REVERB_APP_ID", "app-1")
	t.Setenv("REVERB_APP_KEY", "")
	t.Setenv("REVERB_APP_SECRET", "")

	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVERB_SERVER_PORT", "70000")

	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidScalingDriver(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVERB_SCALING_DRIVER", "rabbitmq")

	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVERB_LOG_LEVEL", "verbose")

	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

func TestLoadConfig_ScalingSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVERB_SCALING_ENABLED", "true")
	t.Setenv("REVERB_SCALING_DRIVER", "kafka")
	t.Setenv("REVERB_KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.True(t, cfg.ScalingEnabled)
	assert.Equal(t, DriverKafka, cfg.ScalingDriver)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestApplications_SingleAppFromEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	applications, err := cfg.Applications()
	require.NoError(t, err)
	require.Len(t, applications, 1)

	app := applications[0]
	assert.Equal(t, "app-1", app.ID)
	assert.Equal(t, "key-1", app.Key)
	assert.Equal(t, "secret-1", app.Secret)
	assert.Equal(t, 30, app.PingInterval)
	assert.Equal(t, 30, app.ActivityTimeout)
	assert.Equal(t, []string{"*"}, app.AllowedOrigins)
}

func TestApplications_ManifestFile(t *testing.T) {
	manifest := `
apps:
  - app_id: "first"
    key: "first-key"
    secret: "first-secret"
    max_connections: 100
  - app_id: "second"
    key: "second-key"
    secret: "second-secret"
    ping_interval: 10
    allowed_origins: ["app.example.com"]
`
	dir := t.TempDir()
	file := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(file, []byte(manifest), 0o600))

	t.Setenv("REVERB_APPS_FILE", file)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	applications, err := cfg.Applications()
	require.NoError(t, err)
	require.Len(t, applications, 2)

	// Zero values fall back to the environment defaults.
	assert.Equal(t, "first", applications[0].ID)
	assert.Equal(t, 30, applications[0].PingInterval)
	assert.Equal(t, 100, applications[0].MaxConnections)
	assert.Equal(t, []string{"*"}, applications[0].AllowedOrigins)

	assert.Equal(t, 10, applications[1].PingInterval)
	assert.Equal(t, []string{"app.example.com"}, applications[1].AllowedOrigins)
}

func TestApplications_ManifestMissingFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVERB_APPS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	_, err = cfg.Applications()
	assert.Error(t, err)
}

func TestApplications_ManifestEmpty(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(file, []byte("apps: []\n"), 0o600))
	t.Setenv("REVERB_APPS_FILE", file)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	_, err = cfg.Applications()
	assert.Error(t, err)
}
