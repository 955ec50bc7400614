package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	AckTimeout      time.Duration `env:"ACK_TIMEOUT,default=24h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	RateLimitPerSec int           `env:"RATE_LIMIT_PER_SEC,default=100"`
	APIPort         int           `env:"API_PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`

	// Optional backing services; the tracker runs fully in memory when
	// they are unset.
	DatabaseDSN string `env:"DATABASE_DSN"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	RedisURL    string `env:"REDIS_URL"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.AckTimeout <= 0 {
		return nil, fmt.Errorf("ACK_TIMEOUT must be positive (got %s)", cfg.AckTimeout)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", cfg.SweepInterval)
	}

	return &cfg, nil
}
