// Package config loads ethhookd's process configuration from the
// environment, following the same caarlos0/env + godotenv shape the rest of
// this pack's services use.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/model"
)

// Config holds all process configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Chains is a compact DSN list: "id:name:wsURL:httpURL,id:name:wsURL:httpURL,...".
	// Env vars cannot carry structured lists, so this is the wire format; use
	// ParseChains to get the typed []model.ChainConfig.
	Chains string `env:"CHAINS,required"`

	RawChannelCapacity      int `env:"RAW_CHANNEL_CAPACITY" envDefault:"10000"`
	DeliveryChannelCapacity int `env:"DELIVERY_CHANNEL_CAPACITY" envDefault:"50000"`
	DeliveryWorkers         int `env:"DELIVERY_WORKERS" envDefault:"50"`

	MatchBatchSize       int `env:"MATCH_BATCH_SIZE" envDefault:"100"`
	MatchBatchTimeoutMS  int `env:"MATCH_BATCH_TIMEOUT_MS" envDefault:"100"`

	DedupTTLSeconds         int `env:"DEDUP_TTL_SECONDS" envDefault:"600"`
	RegistryRefreshSeconds  int `env:"REGISTRY_REFRESH_SECONDS" envDefault:"30"`

	DefaultMaxAttempts  int `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	DefaultBaseRetryMS  int `env:"DEFAULT_BASE_RETRY_MS" envDefault:"1000"`
	DefaultMaxRetryMS   int `env:"DEFAULT_MAX_RETRY_MS" envDefault:"60000"`

	CBFailureThreshold int `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBCooldownSeconds  int `env:"CB_COOLDOWN_SECONDS" envDefault:"30"`

	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"30"`

	RetryHeapMaxSize int `env:"RETRY_HEAP_MAX_SIZE" envDefault:"200000"`

	// Ambient stack: logging, metrics/health HTTP surface, registry nudge bus.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	// NatsURL is optional; when empty the registry falls back to pure polling.
	NatsURL string `env:"NATS_URL" envDefault:""`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from an optional .env file and the process
// environment. Priority: env vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate enforces the range/required checks spec.md's configuration
// section implies.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Chains) == "" {
		return fmt.Errorf("CHAINS is required")
	}
	if _, err := c.ParseChains(); err != nil {
		return fmt.Errorf("CHAINS: %w", err)
	}
	if c.RawChannelCapacity < 1 {
		return fmt.Errorf("RAW_CHANNEL_CAPACITY must be > 0, got %d", c.RawChannelCapacity)
	}
	if c.DeliveryChannelCapacity < 1 {
		return fmt.Errorf("DELIVERY_CHANNEL_CAPACITY must be > 0, got %d", c.DeliveryChannelCapacity)
	}
	if c.DeliveryWorkers < 1 {
		return fmt.Errorf("DELIVERY_WORKERS must be > 0, got %d", c.DeliveryWorkers)
	}
	if c.MatchBatchSize < 1 {
		return fmt.Errorf("MATCH_BATCH_SIZE must be > 0, got %d", c.MatchBatchSize)
	}
	if c.MatchBatchTimeoutMS < 1 {
		return fmt.Errorf("MATCH_BATCH_TIMEOUT_MS must be > 0, got %d", c.MatchBatchTimeoutMS)
	}
	if c.DedupTTLSeconds < 1 {
		return fmt.Errorf("DEDUP_TTL_SECONDS must be > 0, got %d", c.DedupTTLSeconds)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be > 0, got %d", c.DefaultMaxAttempts)
	}
	if c.CBFailureThreshold < 1 {
		return fmt.Errorf("CB_FAILURE_THRESHOLD must be > 0, got %d", c.CBFailureThreshold)
	}
	if c.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS must be >= 0, got %d", c.ShutdownGraceSeconds)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got %s)", c.LogFormat)
	}

	return nil
}

// ParseChains decodes the CHAINS DSN ("id:name:wsURL:httpURL,...") into
// typed chain configs, applying the shared reconnection policy defaults
// from spec.md §4.1 and §5 (connect timeout 30s, idle timeout 60s, backoff
// 1s..60s with 20% jitter).
//
// Both URLs legitimately contain colons of their own (the scheme), so the
// wsURL/httpURL boundary can't be found by counting colons. Instead, the
// httpURL field is recognized by its own required scheme: the last
// occurrence of ":http://" or ":https://" in the remainder after id and
// name marks where it starts. Neither substring can occur inside the ws
// URL's own scheme ("ws://", "wss://"), so this is unambiguous.
func (c *Config) ParseChains() ([]model.ChainConfig, error) {
	raw := strings.TrimSpace(c.Chains)
	if raw == "" {
		return nil, fmt.Errorf("no chains configured")
	}

	parts := strings.Split(raw, ",")
	chains := make([]model.ChainConfig, 0, len(parts))
	seen := make(map[int64]bool, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.SplitN(p, ":", 3)
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed chain entry %q, expected id:name:wsURL[:httpURL]", p)
		}

		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chain id in %q: %w", p, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate chain id %d", id)
		}
		seen[id] = true

		name := fields[1]
		wsURL, httpURL := splitWSAndHTTPURL(fields[2])
		if name == "" || wsURL == "" {
			return nil, fmt.Errorf("chain entry %q missing name or ws url", p)
		}

		chains = append(chains, model.ChainConfig{
			ID:               id,
			Name:             name,
			WSURL:            wsURL,
			HTTPURL:          httpURL,
			ConnectTimeout:   30 * time.Second,
			IdleTimeout:      60 * time.Second,
			BackoffBase:      1 * time.Second,
			BackoffMax:       60 * time.Second,
			BackoffJitterPct: 0.20,
		})
	}

	if len(chains) == 0 {
		return nil, fmt.Errorf("no chains configured")
	}
	return chains, nil
}

// splitWSAndHTTPURL splits "wsURL[:httpURL]" into its two parts. The http
// fallback, when present, is found by its own scheme rather than by colon
// position.
func splitWSAndHTTPURL(s string) (wsURL, httpURL string) {
	idx := strings.LastIndex(s, ":https://")
	if idx < 0 {
		idx = strings.LastIndex(s, ":http://")
	}
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

// MatchBatchTimeout is MatchBatchTimeoutMS as a time.Duration.
func (c *Config) MatchBatchTimeout() time.Duration {
	return time.Duration(c.MatchBatchTimeoutMS) * time.Millisecond
}

// DedupTTL is DedupTTLSeconds as a time.Duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

// RegistryRefreshInterval is RegistryRefreshSeconds as a time.Duration.
func (c *Config) RegistryRefreshInterval() time.Duration {
	return time.Duration(c.RegistryRefreshSeconds) * time.Second
}

// DefaultBaseRetry is DefaultBaseRetryMS as a time.Duration.
func (c *Config) DefaultBaseRetry() time.Duration {
	return time.Duration(c.DefaultBaseRetryMS) * time.Millisecond
}

// DefaultMaxRetry is DefaultMaxRetryMS as a time.Duration.
func (c *Config) DefaultMaxRetry() time.Duration {
	return time.Duration(c.DefaultMaxRetryMS) * time.Millisecond
}

// CBCooldown is CBCooldownSeconds as a time.Duration.
func (c *Config) CBCooldown() time.Duration {
	return time.Duration(c.CBCooldownSeconds) * time.Second
}

// ShutdownGrace is ShutdownGraceSeconds as a time.Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("chains", c.Chains).
		Int("raw_channel_capacity", c.RawChannelCapacity).
		Int("delivery_channel_capacity", c.DeliveryChannelCapacity).
		Int("delivery_workers", c.DeliveryWorkers).
		Int("match_batch_size", c.MatchBatchSize).
		Int("match_batch_timeout_ms", c.MatchBatchTimeoutMS).
		Int("dedup_ttl_seconds", c.DedupTTLSeconds).
		Int("registry_refresh_seconds", c.RegistryRefreshSeconds).
		Int("default_max_attempts", c.DefaultMaxAttempts).
		Int("cb_failure_threshold", c.CBFailureThreshold).
		Int("cb_cooldown_seconds", c.CBCooldownSeconds).
		Int("shutdown_grace_seconds", c.ShutdownGraceSeconds).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
