// Package config loads the relay configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL is optional; when empty the event log is disabled.
	DatabaseURL string
	// RedisURL is optional; when empty the avatar cache runs memory-only.
	RedisURL string

	EnableTranslate     bool
	AllowTranslateRooms map[int64]struct{}
	TranslateAPIURL     string
	TranslateTargetLang string
	TranslateMaxRPS     float64
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "12450"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		TranslateAPIURL:     getEnv("TRANSLATE_API_URL", ""),
		TranslateTargetLang: getEnv("TRANSLATE_TARGET_LANG", "jp"),
	}

	enableTranslate, err := parseBool(getEnv("ENABLE_TRANSLATE", "false"))
	if err != nil {
		return nil, fmt.Errorf("ENABLE_TRANSLATE must be a boolean: %w", err)
	}
	cfg.EnableTranslate = enableTranslate

	cfg.AllowTranslateRooms, err = parseRoomList(getEnv("ALLOW_TRANSLATE_ROOMS", ""))
	if err != nil {
		return nil, fmt.Errorf("ALLOW_TRANSLATE_ROOMS must be comma-separated room ids: %w", err)
	}

	cfg.TranslateMaxRPS, err = strconv.ParseFloat(getEnv("TRANSLATE_MAX_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("TRANSLATE_MAX_RPS must be a number: %w", err)
	}
	if cfg.TranslateMaxRPS <= 0 {
		return nil, fmt.Errorf("TRANSLATE_MAX_RPS must be positive, got %v", cfg.TranslateMaxRPS)
	}

	if cfg.EnableTranslate && cfg.TranslateAPIURL == "" {
		return nil, fmt.Errorf("TRANSLATE_API_URL is required when ENABLE_TRANSLATE is set")
	}

	return cfg, nil
}

// TranslateAllowed reports whether translation may be attempted for a room.
// An empty allow-list means every room is allowed.
func (c *Config) TranslateAllowed(roomID int64) bool {
	if !c.EnableTranslate {
		return false
	}
	if len(c.AllowTranslateRooms) == 0 {
		return true
	}
	_, ok := c.AllowTranslateRooms[roomID]
	return ok
}

func parseRoomList(raw string) (map[int64]struct{}, error) {
	rooms := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid room id %q", part)
		}
		rooms[id] = struct{}{}
	}
	return rooms, nil
}

func parseBool(raw string) (bool, error) {
	return strconv.ParseBool(raw)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
