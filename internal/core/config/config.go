package config

import (
	"time"

	redisclient "github.com/vietddude/guardian/internal/infra/redis"
	"github.com/vietddude/guardian/internal/observability/aggregator"
	"github.com/vietddude/guardian/internal/observability/governor"
	"github.com/vietddude/guardian/internal/observability/shipper"
	"github.com/vietddude/guardian/internal/resilience/backoff"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	App        AppInfo            `yaml:"app"`
	Executor   ExecutorConfig     `yaml:"executor"`
	Cache      CacheConfig        `yaml:"cache"`
	Redis      redisclient.Config `yaml:"redis"`
	Aggregator aggregator.Config  `yaml:"aggregator"`
	Governor   governor.Config    `yaml:"governor"`
	Telemetry  shipper.Config     `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AppInfo identifies the application in telemetry payloads.
type AppInfo struct {
	ID  string `yaml:"id"`
	Env string `yaml:"env"`
}

// ExecutorConfig holds request execution settings.
type ExecutorConfig struct {
	BaseURL      string         `yaml:"base_url"`
	Timeout      time.Duration  `yaml:"timeout"`
	CacheEnabled *bool          `yaml:"cache_enabled"` // nil = enabled
	Retry        backoff.Policy `yaml:"retry"`
}

// UseCache reports whether idempotent responses are cached.
func (e ExecutorConfig) UseCache() bool {
	return e.CacheEnabled == nil || *e.CacheEnabled
}

// CacheBackend selects the response cache implementation.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Backend CacheBackend  `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}
