package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Proxy edge admission. The value may be a plain secret or a bcrypt hash
	// of one.
	ProxyAPIKey string

	// Upstream credentials.
	RefreshToken string
	Region       string
	CredsFile    string
	ProfileArn   string

	RefreshThreshold time.Duration
	MaxRetries       int
	ModelCacheTTL    time.Duration

	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ProxyAPIKey:      getEnv("PROXY_API_KEY", ""),
		RefreshToken:     getEnv("REFRESH_TOKEN", ""),
		Region:           getEnv("KIRO_REGION", "us-east-1"),
		CredsFile:        getEnv("KIRO_CREDS_FILE", ""),
		ProfileArn:       getEnv("PROFILE_ARN", ""),
		RefreshThreshold: getDurationEnv("TOKEN_REFRESH_THRESHOLD", 600*time.Second),
		MaxRetries:       getIntEnv("MAX_RETRIES", 3),
		ModelCacheTTL:    getDurationEnv("MODEL_CACHE_TTL", 3600*time.Second),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.ProxyAPIKey == "" {
		return nil, errors.New("PROXY_API_KEY is required")
	}
	if cfg.RefreshToken == "" && cfg.CredsFile == "" {
		return nil, errors.New("one of REFRESH_TOKEN or KIRO_CREDS_FILE is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
