package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the flowrun execution core.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// StoreConfig holds the external-store location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for a single LLM provider surface.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // "openai", "anthropic", "groq"
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"` // fallback when the execution state carries none
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BucketConfig sizes one provider's admission bucket.
type BucketConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute"`
}

// RateLimitConfig holds per-provider bucket overrides. Providers not listed
// use built-in defaults; unrecognized providers at runtime share the
// default bucket.
type RateLimitConfig struct {
	Buckets map[string]BucketConfig `yaml:"buckets"`
	// Default applies to providers without a configured bucket. Kept the
	// most conservative of the set so an unknown provider id cannot widen
	// the global admission rate.
	Default BucketConfig `yaml:"default"`
}

// ToolsConfig holds tool-server client settings.
type ToolsConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	// CallsPerSecond bounds tools/call traffic per server.
	CallsPerSecond float64 `yaml:"calls_per_second"`
}

// Built-in bucket defaults, reflecting published per-minute request limits.
var defaultBuckets = map[string]BucketConfig{
	"anthropic": {Capacity: 50, RefillPerMinute: 50},
	"openai":    {Capacity: 60, RefillPerMinute: 60},
	"groq":      {Capacity: 30, RefillPerMinute: 30},
}

var defaultFallbackBucket = BucketConfig{Capacity: 20, RefillPerMinute: 20}

// Load reads a yaml config file and applies defaults. A missing path
// returns a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	// Logger defaults live in the logger package, which handles zero values.
	if c.Store.Path == "" {
		c.Store.Path = "flowrun.db"
	}
	if c.RateLimit.Buckets == nil {
		c.RateLimit.Buckets = make(map[string]BucketConfig)
	}
	for name, b := range defaultBuckets {
		if _, ok := c.RateLimit.Buckets[name]; !ok {
			c.RateLimit.Buckets[name] = b
		}
	}
	if c.RateLimit.Default.Capacity <= 0 {
		c.RateLimit.Default = defaultFallbackBucket
	}
	if c.Tools.CallTimeout <= 0 {
		c.Tools.CallTimeout = 30 * time.Second
	}
	if c.Tools.CallsPerSecond <= 0 {
		c.Tools.CallsPerSecond = 5
	}
}

// Provider returns the configuration for the named provider, falling back
// to a bare config of that type when the file does not mention it.
func (c *Config) Provider(name string) ProviderConfig {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p
		}
	}
	return ProviderConfig{Name: name, Type: name}
}
