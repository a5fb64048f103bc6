package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/proxy-dispatch-service/internal/types"
)

type Config struct {
	Proxies []types.Proxy         `json:"proxies"`
	Rules   []types.RateLimitRule `json:"rules"`

	Dispatcher DispatcherConfig `json:"dispatcher"`
	Health     HealthConfig     `json:"health"`
	Redis      RedisConfig      `json:"redis"`
	API        APIConfig        `json:"api"`
	Storage    StorageConfig    `json:"storage"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

type DispatcherConfig struct {
	TickMs    int `json:"tick_ms"`
	BatchSize int `json:"batch_size"`
	MaxQueue  int `json:"max_queue"`
}

type HealthConfig struct {
	IntervalSeconds int    `json:"interval_seconds"`
	TimeoutMs       int    `json:"timeout_ms"`
	ProbeURL        string `json:"probe_url"`
}

// RedisConfig points the rate limiter's shared counter store at Redis. An
// empty Addr falls back to the in-process store (single-instance mode).
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled"`
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from a JSON file and applies defaults.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Dispatcher.TickMs == 0 {
		c.Dispatcher.TickMs = 50
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 16
	}
	if c.Dispatcher.MaxQueue == 0 {
		c.Dispatcher.MaxQueue = 10000
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.TimeoutMs == 0 {
		c.Health.TimeoutMs = 5000
	}
	if c.Health.ProbeURL == "" {
		c.Health.ProbeURL = "https://www.google.com/generate_204"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8084"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/proxy-stats.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxydispatch"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for i := range c.Proxies {
		if c.Proxies[i].Protocol == "" {
			c.Proxies[i].Protocol = "http"
		}
		if c.Proxies[i].Limits.MaxConcurrent == 0 {
			c.Proxies[i].Limits.MaxConcurrent = 10
		}
	}
}

// Validate checks configuration validity. A tier with no proxies is not an
// error here; the registry logs it and leaves the tier empty.
func (c *Config) Validate() error {
	if c.Dispatcher.TickMs < 1 || c.Dispatcher.TickMs > 10000 {
		return fmt.Errorf("dispatcher tick_ms must be between 1 and 10000")
	}
	if c.Dispatcher.BatchSize < 1 || c.Dispatcher.BatchSize > 1024 {
		return fmt.Errorf("dispatcher batch_size must be between 1 and 1024")
	}
	if c.Health.TimeoutMs < 100 || c.Health.TimeoutMs > 60000 {
		return fmt.Errorf("health timeout_ms must be between 100 and 60000")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}

	seen := make(map[string]struct{}, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.ID == "" {
			return fmt.Errorf("proxy with empty id (host %s)", p.Host)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate proxy id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if !p.Tier.Valid() {
			return fmt.Errorf("proxy %s: unknown tier %q", p.ID, p.Tier)
		}
		if p.Host == "" || p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("proxy %s: invalid address %s:%d", p.ID, p.Host, p.Port)
		}
		if p.Protocol != "http" && p.Protocol != "https" && p.Protocol != "socks5" {
			return fmt.Errorf("proxy %s: unsupported protocol %q", p.ID, p.Protocol)
		}
	}

	for _, r := range c.Rules {
		if r.Domain == "" {
			return fmt.Errorf("rate limit rule with empty domain")
		}
		if r.Requests < 1 {
			return fmt.Errorf("rule for %s: requests must be positive", r.Domain)
		}
		if r.WindowMs < 1 {
			return fmt.Errorf("rule for %s: window_ms must be positive", r.Domain)
		}
		if r.PreferredTier != "" && !r.PreferredTier.Valid() {
			return fmt.Errorf("rule for %s: unknown tier %q", r.Domain, r.PreferredTier)
		}
	}

	return nil
}
