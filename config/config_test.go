package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turbo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, 10<<20, cfg.MaxBodyBytes)
	assert.Zero(t, cfg.Workers)
	assert.False(t, cfg.Debug)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9999"
workers: 4
debug: true
log_level: debug
read_timeout: 250ms
idle_timeout: 2m
rate_limit:
  capacity: 10
  refill_rate: 5
cache:
  dir: /tmp/turbo-cache
  default_ttl: 30s
websocket:
  max_message_size: 65536
  heartbeat_interval: 5s
  heartbeat_timeout: 15s
  rate_limit: 20
gc:
  percent: 150
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 250*time.Millisecond, cfg.ReadTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout.Std())
	assert.Equal(t, 10.0, cfg.RateLimit.Capacity)
	assert.Equal(t, 5.0, cfg.RateLimit.RefillRate)
	assert.Equal(t, "/tmp/turbo-cache", cfg.Cache.Dir)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL.Std())
	assert.Equal(t, int64(65536), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 5*time.Second, cfg.WebSocket.HeartbeatInterval.Std())
	assert.Equal(t, 20.0, cfg.WebSocket.RateLimit)
	assert.Equal(t, 150, cfg.GC.Percent)
	assert.Equal(t, logrus.DebugLevel, cfg.LogrusLevel())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "read_timeout: 10\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "addr: \":9999\"\nworkers: 4\n")

	t.Setenv("TURBO_ADDR", ":7777")
	t.Setenv("TURBO_WORKERS", "2")
	t.Setenv("TURBO_DEBUG", "true")
	t.Setenv("TURBO_READ_TIMEOUT", "3s")
	t.Setenv("TURBO_RATE_CAPACITY", "99")
	t.Setenv("TURBO_WS_HEARTBEAT_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Addr)
	assert.Equal(t, 2, cfg.Workers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 3*time.Second, cfg.ReadTimeout.Std())
	assert.Equal(t, 99.0, cfg.RateLimit.Capacity)
	assert.Equal(t, 45*time.Second, cfg.WebSocket.HeartbeatTimeout.Std())
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("TURBO_WORKERS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURBO_WORKERS")
}

func TestNormalizeClampsNonsense(t *testing.T) {
	cfg := &Config{
		Addr:         "",
		ReadTimeout:  Duration(-time.Second),
		MaxBodyBytes: -1,
		Workers:      -3,
		MaxConns:     -1,
	}
	cfg.Normalize()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout.Std())
	assert.Equal(t, 10<<20, cfg.MaxBodyBytes)
	assert.Zero(t, cfg.Workers)
	assert.Zero(t, cfg.MaxConns)
}

func TestLogrusLevelFallsBack(t *testing.T) {
	cfg := &Config{LogLevel: "shouting"}
	assert.Equal(t, logrus.InfoLevel, cfg.LogrusLevel())
}
