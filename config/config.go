// Package config loads server configuration from built-in defaults, an
// optional YAML file, and TURBO_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars through time.ParseDuration, so config
// files read "250ms" instead of nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimit is a token bucket shape: capacity tokens, refilled at
// refill_rate tokens per second. Zero values disable limiting.
type RateLimit struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Cache configures the turbo response cache.
type Cache struct {
	// Dir enables the persistent tier; empty keeps the cache in memory.
	Dir          string   `yaml:"dir"`
	DiskMaxBytes int64    `yaml:"disk_max_bytes"`
	DefaultTTL   Duration `yaml:"default_ttl"`
}

// WebSocket carries the per-endpoint session defaults.
type WebSocket struct {
	MaxMessageSize    int64    `yaml:"max_message_size"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	RateLimit         float64  `yaml:"rate_limit"`
}

// GC tunes the runtime's collector at startup. Zero leaves a knob
// untouched.
type GC struct {
	Percent     int   `yaml:"percent"`
	MemoryLimit int64 `yaml:"memory_limit"`
}

// Config is the full server configuration.
type Config struct {
	Addr         string `yaml:"addr"`
	Workers      int    `yaml:"workers"` // 0 means one per CPU
	Debug        bool   `yaml:"debug"`
	FreeThreaded bool   `yaml:"free_threaded"`
	LogLevel     string `yaml:"log_level"`

	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	MaxBodyBytes int      `yaml:"max_body_bytes"`

	// MaxConns caps concurrent connections per worker. 0 is unlimited.
	MaxConns int `yaml:"max_conns"`

	// StatsInterval is the period for the debug-level stats line.
	// 0 disables it.
	StatsInterval Duration `yaml:"stats_interval"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Cache     Cache     `yaml:"cache"`
	WebSocket WebSocket `yaml:"websocket"`
	GC        GC        `yaml:"gc"`
}

// Defaults returns the configuration the server runs with when nothing
// else is provided.
func Defaults() *Config {
	return &Config{
		Addr:         ":8080",
		LogLevel:     "info",
		ReadTimeout:  Duration(10 * time.Second),
		WriteTimeout: Duration(10 * time.Second),
		IdleTimeout:  Duration(60 * time.Second),
		MaxBodyBytes: 10 << 20,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// when path is not empty, then TURBO_* environment variables. A local
// .env file is folded into the environment first when present.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps zero and negative values back to their defaults so
// a partially filled file cannot produce a broken server.
func (c *Config) Normalize() {
	def := Defaults()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.MaxConns < 0 {
		c.MaxConns = 0
	}
	if c.StatsInterval < 0 {
		c.StatsInterval = 0
	}
}

// LogrusLevel parses the configured level, falling back to Info.
func (c *Config) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *Config) applyEnv() error {
	var err error
	envString("TURBO_ADDR", &c.Addr)
	envString("TURBO_LOG_LEVEL", &c.LogLevel)
	err = firstErr(err, envInt("TURBO_WORKERS", &c.Workers))
	err = firstErr(err, envBool("TURBO_DEBUG", &c.Debug))
	err = firstErr(err, envBool("TURBO_FREE_THREADED", &c.FreeThreaded))
	err = firstErr(err, envDuration("TURBO_READ_TIMEOUT", &c.ReadTimeout))
	err = firstErr(err, envDuration("TURBO_WRITE_TIMEOUT", &c.WriteTimeout))
	err = firstErr(err, envDuration("TURBO_IDLE_TIMEOUT", &c.IdleTimeout))
	err = firstErr(err, envInt("TURBO_MAX_BODY_BYTES", &c.MaxBodyBytes))
	err = firstErr(err, envInt("TURBO_MAX_CONNS", &c.MaxConns))
	err = firstErr(err, envDuration("TURBO_STATS_INTERVAL", &c.StatsInterval))

	err = firstErr(err, envFloat("TURBO_RATE_CAPACITY", &c.RateLimit.Capacity))
	err = firstErr(err, envFloat("TURBO_RATE_REFILL", &c.RateLimit.RefillRate))

	envString("TURBO_CACHE_DIR", &c.Cache.Dir)
	err = firstErr(err, envInt64("TURBO_CACHE_DISK_MAX", &c.Cache.DiskMaxBytes))
	err = firstErr(err, envDuration("TURBO_CACHE_TTL", &c.Cache.DefaultTTL))

	err = firstErr(err, envInt64("TURBO_WS_MAX_MESSAGE", &c.WebSocket.MaxMessageSize))
	err = firstErr(err, envDuration("TURBO_WS_HEARTBEAT_INTERVAL", &c.WebSocket.HeartbeatInterval))
	err = firstErr(err, envDuration("TURBO_WS_HEARTBEAT_TIMEOUT", &c.WebSocket.HeartbeatTimeout))
	err = firstErr(err, envFloat("TURBO_WS_RATE_LIMIT", &c.WebSocket.RateLimit))

	err = firstErr(err, envInt("TURBO_GC_PERCENT", &c.GC.Percent))
	err = firstErr(err, envInt64("TURBO_MEMORY_LIMIT", &c.GC.MemoryLimit))
	return err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}
