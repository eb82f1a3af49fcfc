package config

import (
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ANALYZER_URL", "http://localhost:9000/internal/analyze")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.URLsPerSlice != 5 {
		t.Errorf("URLsPerSlice = %d, want 5", cfg.URLsPerSlice)
	}
	if cfg.BacklogSliceSize != 10 {
		t.Errorf("BacklogSliceSize = %d, want 10", cfg.BacklogSliceSize)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.URLDelayMillis != 150 {
		t.Errorf("URLDelayMillis = %d, want 150", cfg.URLDelayMillis)
	}
	if cfg.AnalyzeRatePerSec != 5 {
		t.Errorf("AnalyzeRatePerSec = %d, want 5", cfg.AnalyzeRatePerSec)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("URLS_PER_SLICE", "8")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.URLsPerSlice != 8 {
		t.Errorf("URLsPerSlice = %d, want 8", cfg.URLsPerSlice)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=localhost")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestLoad_RequiredFields(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseDSN == "" {
		t.Error("DatabaseDSN should not be empty")
	}
	if cfg.RedisURL == "" {
		t.Error("RedisURL should not be empty")
	}
	if cfg.AnalyzerURL == "" {
		t.Error("AnalyzerURL should not be empty")
	}
}
