// ABOUTME: Configuration loader for the credential broker
// ABOUTME: Reads .env (if present) then environment variables with defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port               string
	AuthMode           string   // disabled, optional, required (default: optional)
	HostTokenSecret    string   // HS256 secret for host bearer tokens
	CORSAllowedOrigins []string // allowed CORS origins (empty = block all cross-origin)

	// Yandex Passport
	PassportURL        string
	OAuthURL           string
	ClientID           string
	ClientSecret       string
	XTokenClientID     string
	XTokenClientSecret string
	MusicClientID      string
	MusicClientSecret  string
	Proxy              string // YANDEX_PROXY: http(s):// or ssh+socks5://

	// Flows
	RoundTripTimeout time.Duration
	FlowTTL          time.Duration

	// Storage (empty = in-memory)
	RedisURL            string
	DatabaseURL         string
	DatabaseAutoMigrate bool

	// Rate Limiting
	RateLimitEnabled bool
	RateLimitSteps   int // requests per minute per flow for credential steps (default: 10)
	RateLimitDefault int // requests per minute for all other endpoints (default: 100)

	RefreshConcurrency int
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		AuthMode:           getEnv("AUTH_MODE", "optional"),
		HostTokenSecret:    os.Getenv("HOST_TOKEN_SECRET"),
		CORSAllowedOrigins: getEnvStringList("CORS_ALLOWED_ORIGINS"),

		PassportURL:        strings.TrimRight(getEnv("PASSPORT_URL", "https://mobileproxy.passport.yandex.net"), "/"),
		OAuthURL:           strings.TrimRight(getEnv("OAUTH_URL", "https://oauth.mobile.yandex.net"), "/"),
		ClientID:           os.Getenv("PASSPORT_CLIENT_ID"),
		ClientSecret:       os.Getenv("PASSPORT_CLIENT_SECRET"),
		XTokenClientID:     os.Getenv("PASSPORT_XTOKEN_CLIENT_ID"),
		XTokenClientSecret: os.Getenv("PASSPORT_XTOKEN_CLIENT_SECRET"),
		MusicClientID:      os.Getenv("MUSIC_CLIENT_ID"),
		MusicClientSecret:  os.Getenv("MUSIC_CLIENT_SECRET"),
		Proxy:              os.Getenv("YANDEX_PROXY"),

		RoundTripTimeout: time.Duration(getEnvInt("ROUND_TRIP_TIMEOUT", 30)) * time.Second,
		FlowTTL:          time.Duration(getEnvInt("FLOW_TTL", 600)) * time.Second,

		RedisURL:            os.Getenv("REDIS_URL"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DatabaseAutoMigrate: getEnvBool("DATABASE_AUTO_MIGRATE", true),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitSteps:   getEnvInt("RATE_LIMIT_STEPS", 10),
		RateLimitDefault: getEnvInt("RATE_LIMIT_DEFAULT", 100),

		RefreshConcurrency: getEnvInt("REFRESH_CONCURRENCY", 4),
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("PASSPORT_CLIENT_ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("PASSPORT_CLIENT_SECRET is required")
	}
	if cfg.AuthMode == "required" && cfg.HostTokenSecret == "" {
		return nil, fmt.Errorf("HOST_TOKEN_SECRET is required when AUTH_MODE=required")
	}
	if cfg.RoundTripTimeout <= 0 {
		return nil, fmt.Errorf("ROUND_TRIP_TIMEOUT must be positive")
	}
	if cfg.FlowTTL < cfg.RoundTripTimeout {
		return nil, fmt.Errorf("FLOW_TTL (%s) must not be shorter than ROUND_TRIP_TIMEOUT (%s)", cfg.FlowTTL, cfg.RoundTripTimeout)
	}
	if cfg.RefreshConcurrency < 1 || cfg.RefreshConcurrency > 64 {
		return nil, fmt.Errorf("REFRESH_CONCURRENCY must be between 1 and 64, got %d", cfg.RefreshConcurrency)
	}

	for _, rl := range []struct {
		name  string
		value int
	}{
		{"RATE_LIMIT_STEPS", cfg.RateLimitSteps},
		{"RATE_LIMIT_DEFAULT", cfg.RateLimitDefault},
	} {
		if rl.value < 1 || rl.value > 10000 {
			return nil, fmt.Errorf("%s must be between 1 and 10000, got %d", rl.name, rl.value)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvStringList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
