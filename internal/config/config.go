// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Backend names accepted for STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all runtime configuration for the service.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
	APIKey   string `env:"API_KEY,required"`

	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	RedisURL     string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	PostgresDSN  string `env:"POSTGRES_DSN"`

	CORSOrigins    string        `env:"CORS_ORIGINS,default=*"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS,default=50"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST,default=100"`
	FeedBuffer     int           `env:"FEED_BUFFER,default=64"`
	ShutdownWait   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return &cfg, nil
}

// AllowedOrigins splits CORS_ORIGINS into a slice.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
