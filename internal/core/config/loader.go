package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/guardian/internal/observability/aggregator"
	"github.com/vietddude/guardian/internal/observability/governor"
	"github.com/vietddude/guardian/internal/observability/shipper"
	"github.com/vietddude/guardian/internal/resilience/backoff"
	"github.com/vietddude/guardian/internal/resilience/cache"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expanding environment variables first, and fills
// defaults for anything left unset.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

// Validate rejects settings no component can run with.
func (c *AppConfig) Validate() error {
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("cache backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Executor.Retry.MaxRetries < 0 {
		return fmt.Errorf("executor.retry.max_retries must not be negative")
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 10 * time.Second
	}
	def := backoff.DefaultPolicy()
	retry := &cfg.Executor.Retry
	if *retry == (backoff.Policy{}) {
		*retry = def
	} else {
		if retry.BaseDelay == 0 {
			retry.BaseDelay = def.BaseDelay
		}
		if retry.MaxDelay == 0 {
			retry.MaxDelay = def.MaxDelay
		}
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = cache.DefaultTTL
	}

	if cfg.Aggregator.MaxQueueSize == 0 {
		cfg.Aggregator.MaxQueueSize = aggregator.DefaultMaxQueueSize
	}

	gov := governor.DefaultConfig()
	if cfg.Governor.ReportThreshold == 0 {
		cfg.Governor.ReportThreshold = gov.ReportThreshold
	}
	if cfg.Governor.ReportCooldown == 0 {
		cfg.Governor.ReportCooldown = gov.ReportCooldown
	}

	tel := shipper.DefaultConfig()
	if cfg.Telemetry.AppID == "" {
		cfg.Telemetry.AppID = cfg.App.ID
	}
	if cfg.Telemetry.Env == "" {
		cfg.Telemetry.Env = cfg.App.Env
	}
	if cfg.Telemetry.BatchSize == 0 {
		cfg.Telemetry.BatchSize = tel.BatchSize
	}
	if cfg.Telemetry.FlushInterval == 0 {
		cfg.Telemetry.FlushInterval = tel.FlushInterval
	}
	if cfg.Telemetry.MaxQueueSize == 0 {
		cfg.Telemetry.MaxQueueSize = tel.MaxQueueSize
	}
	if cfg.Telemetry.Timeout == 0 {
		cfg.Telemetry.Timeout = tel.Timeout
	}
}
