package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Signal.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Calls.MinRecordDuration)
	assert.Equal(t, 10*time.Minute, cfg.Calls.EndedRetention)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not above ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send queue", func(c *Config) { c.Signal.SendQueueSize = 0 }},
		{"negative min record duration", func(c *Config) { c.Calls.MinRecordDuration = -time.Second }},
		{"zero retention", func(c *Config) { c.Calls.EndedRetention = 0 }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"cluster without redis", func(c *Config) { c.Cluster.Enabled = true }},
		{"tracing bad sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
		{"rate limit zero rps", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"rate limit zero ws burst", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.WebSocket.Burst = 0 }},
		{"retry multiplier below one", func(c *Config) { c.Reliability.Retry.Multiplier = 0.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
calls:
  min_record_duration: 5s
signal:
  send_queue_size: 32
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Calls.MinRecordDuration)
	assert.Equal(t, 32, cfg.Signal.SendQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.Calls.EndedRetention)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER_ADDRESS", ":7777")
	t.Setenv("CHATRELAY_JWT_SECRET", "s3cret")
	t.Setenv("CHATRELAY_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}
