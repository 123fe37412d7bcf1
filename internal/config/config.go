package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full registryd configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Cache     CacheConfig     `yaml:"cache"`
	Token     TokenConfig     `yaml:"token"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Blob      BlobConfig      `yaml:"blob"`
	Refresh   RefreshConfig   `yaml:"refresh"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UpstreamConfig holds registry API endpoints and credentials.
type UpstreamConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	BaseURL      string        `yaml:"base_url"`
	Scope        string        `yaml:"scope"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
}

// RateLimitTier is one (requests, window) pair.
type RateLimitTier struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RateLimitConfig holds client-side upstream rate limits. Tiers beyond the
// first are optional and enforced simultaneously.
type RateLimitConfig struct {
	Requests int             `yaml:"requests"`
	Window   time.Duration   `yaml:"window"`
	Extra    []RateLimitTier `yaml:"extra_tiers"`
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold          int           `yaml:"failure_threshold"`
	RecoveryTimeout           time.Duration `yaml:"recovery_timeout"`
	HalfOpenRequiredSuccesses int           `yaml:"half_open_required_successes"`
}

// CacheConfig holds per-class TTLs.
type CacheConfig struct {
	TTLDetails   time.Duration `yaml:"ttl_details"`
	TTLDocuments time.Duration `yaml:"ttl_documents"`
}

// TokenConfig holds token manager tuning.
type TokenConfig struct {
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
}

// PostgresConfig holds the durable store connection settings.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds the optional hot cache layer settings. An empty Addr
// disables the layer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlobConfig holds the artifact store settings.
type BlobConfig struct {
	Root     string `yaml:"root"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// RefreshConfig holds the background refresh pool settings.
type RefreshConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	PerSecond float64       `yaml:"per_second"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns the configuration with every tunable at its design
// default. Credentials and endpoints have no defaults and must be set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Upstream: UpstreamConfig{
			Scope:      "vardefulla-datamangder:read",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryBase:  1000 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Requests: 10,
			Window:   1000 * time.Millisecond,
		},
		Circuit: CircuitConfig{
			FailureThreshold:          5,
			RecoveryTimeout:           60 * time.Second,
			HalfOpenRequiredSuccesses: 2,
		},
		Cache: CacheConfig{
			TTLDetails:   30 * 24 * time.Hour,
			TTLDocuments: 7 * 24 * time.Hour,
		},
		Token: TokenConfig{
			SafetyBuffer: 60 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			QueryTimeout: 5 * time.Second,
		},
		Blob: BlobConfig{
			Root:     "data/blobs",
			MaxBytes: 50 << 20,
		},
		Refresh: RefreshConfig{
			Workers:   4,
			QueueSize: 256,
			PerSecond: 2,
			Timeout:   35 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides for the secrets. A missing path returns defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays secret-bearing settings from the environment so they
// never need to live in the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REGISTRYD_CLIENT_ID"); v != "" {
		cfg.Upstream.ClientID = v
	}
	if v := os.Getenv("REGISTRYD_CLIENT_SECRET"); v != "" {
		cfg.Upstream.ClientSecret = v
	}
	if v := os.Getenv("REGISTRYD_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REGISTRYD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// Validate checks required settings and numeric sanity.
func (c Config) Validate() error {
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream credentials are required")
	}
	if c.Upstream.TokenURL == "" || c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream token_url and base_url are required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit requests and window must be positive")
	}
	for i, t := range c.RateLimit.Extra {
		if t.Requests <= 0 || t.Window <= 0 {
			return fmt.Errorf("rate_limit extra tier %d must be positive", i)
		}
	}
	if c.Circuit.FailureThreshold <= 0 || c.Circuit.HalfOpenRequiredSuccesses <= 0 {
		return fmt.Errorf("circuit thresholds must be positive")
	}
	if c.Cache.TTLDetails <= 0 || c.Cache.TTLDocuments <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Refresh.Workers <= 0 || c.Refresh.QueueSize <= 0 {
		return fmt.Errorf("refresh pool sizing must be positive")
	}
	return nil
}
