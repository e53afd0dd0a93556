package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string

	TypingDebounce time.Duration
	PresenceTTL    time.Duration
	TokenTTL       time.Duration
}

func Load() (Config, error) {
	// Pick up a local .env in development; absence is fine.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite::memory:"),
		LogLevel:    strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
	}

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var err error
	if cfg.TypingDebounce, err = getDurationMs("TYPING_DEBOUNCE_MS", 1500); err != nil {
		return Config{}, err
	}
	if cfg.PresenceTTL, err = getDurationMs("PRESENCE_TTL_MS", 30000); err != nil {
		return Config{}, err
	}

	tokenHours, err := getInt("TOKEN_TTL_HOURS", 7*24)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL = time.Duration(tokenHours) * time.Hour

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func getDurationMs(key string, defaultMs int64) (time.Duration, error) {
	ms, err := getInt(key, defaultMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
