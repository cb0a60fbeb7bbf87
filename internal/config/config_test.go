package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Interface)
	assert.Equal(t, "localhost:6379", cfg.Database.Redis.Addr())
	assert.Equal(t, 256, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, time.Second, cfg.WebSocket.AdmissionCloseWait)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  port: "9090"
database:
  redis:
    host: redis.internal
    port: "6380"
websocket:
  send_buffer_size: 64
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(configFile, []byte(yamlContent), 0600))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Database.Redis.Addr())
	assert.Equal(t, 64, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults
	assert.Equal(t, "localhost", cfg.Database.Postgres.Host)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("REDIS_HOST", "cache.example.com")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("WEBSOCKET_ADMISSION_CLOSE_WAIT", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "cache.example.com", cfg.Database.Redis.Host)
	assert.Equal(t, "test-secret", cfg.Auth.JWT.Secret)
	assert.Equal(t, 250*time.Millisecond, cfg.WebSocket.AdmissionCloseWait)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty redis host", func(c *Config) { c.Database.Redis.Host = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"non-positive send buffer", func(c *Config) { c.WebSocket.SendBufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresConnString(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Database.Postgres.Password = "pw"
	assert.Equal(t,
		"postgres://postgres:pw@localhost:5432/coursedesigner?sslmode=disable",
		cfg.Database.Postgres.ConnString())
}
