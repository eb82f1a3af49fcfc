package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	AnalyzerURL       string `env:"ANALYZER_URL,required=true"`
	AnalyzeRatePerSec int    `env:"ANALYZE_RATE_PER_SEC,default=5"`
	URLsPerSlice      int    `env:"URLS_PER_SLICE,default=5"`
	BacklogSliceSize  int    `env:"BACKLOG_SLICE_SIZE,default=10"`
	MaxRetries        int    `env:"MAX_RETRIES,default=3"`
	URLDelayMillis    int    `env:"URL_DELAY_MS,default=150"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
