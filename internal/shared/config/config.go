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

// Rate limit backends
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port              string
	Env               string
	LogLevel          string
	TrustProxyHeaders bool

	// Database (optional; keys and request logs are persisted when set)
	DatabaseURL string
	// KeyRefreshInterval reloads keys from the database periodically in
	// addition to change notifications. Zero disables the periodic reload.
	KeyRefreshInterval time.Duration

	// Redis
	RedisURL string

	// Model service replicas, tried in order
	ModelServiceURLs []string
	ComputeTimeout   time.Duration

	// Authentication
	AuthEnabled  bool
	AuthRequired bool
	APIKeys      []string
	AdminToken   string

	// Rate Limiting
	RateLimitEnabled  bool
	RateLimitRPM      int
	RateLimitBurst    int
	RateLimitBackend  string
	RateLimitFailOpen bool

	// Caching
	CacheEnabled    bool
	CacheMaxSize    int
	CacheTTLSeconds int
	CacheShared     bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	rpm := getEnvInt("RATE_LIMIT_RPM", 60)
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		TrustProxyHeaders:  getEnvBool("TRUST_PROXY_HEADERS", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		KeyRefreshInterval: getEnvDuration("KEY_REFRESH_INTERVAL", time.Minute),
		RedisURL:           getEnv("REDIS_URL", ""),
		ModelServiceURLs:   getEnvList("MODEL_SERVICE_URL"),
		ComputeTimeout:     getEnvDuration("COMPUTE_TIMEOUT", 30*time.Second),
		AuthEnabled:        getEnvBool("AUTH_ENABLED", true),
		AuthRequired:       getEnvBool("AUTH_REQUIRED", true),
		APIKeys:            getEnvList("API_KEYS"),
		AdminToken:         getEnv("ADMIN_TOKEN", ""),
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       rpm,
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", rpm),
		RateLimitBackend:   strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendLocal)),
		RateLimitFailOpen:  getEnvBool("RATE_LIMIT_FAIL_OPEN", true),
		CacheEnabled:       getEnvBool("CACHE_ENABLED", true),
		CacheMaxSize:       getEnvInt("CACHE_MAX_SIZE", 1000),
		CacheTTLSeconds:    getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheShared:        getEnvBool("CACHE_SHARED", false),
	}

	if len(cfg.ModelServiceURLs) == 0 {
		cfg.ModelServiceURLs = []string{"http://localhost:8000"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable together
func (c *Config) Validate() error {
	var errs []error

	if len(c.ModelServiceURLs) == 0 {
		errs = append(errs, errors.New("MODEL_SERVICE_URL is required"))
	}
	if c.ComputeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COMPUTE_TIMEOUT must be positive, got %s", c.ComputeTimeout))
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM))
		}
		if c.RateLimitBurst <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst))
		}
		switch c.RateLimitBackend {
		case BackendLocal:
		case BackendRedis:
			if c.RedisURL == "" {
				errs = append(errs, errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND=redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", BackendLocal, BackendRedis, c.RateLimitBackend))
		}
	}

	if c.CacheEnabled {
		if c.CacheMaxSize <= 0 {
			errs = append(errs, fmt.Errorf("CACHE_MAX_SIZE must be positive, got %d", c.CacheMaxSize))
		}
		if c.CacheTTLSeconds < 0 {
			errs = append(errs, fmt.Errorf("CACHE_TTL_SECONDS must not be negative, got %d", c.CacheTTLSeconds))
		}
		if c.CacheShared && c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when CACHE_SHARED=true"))
		}
	}

	return errors.Join(errs...)
}

// CacheTTL returns the cache TTL. Zero means entries never expire.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// NeedsRedis reports whether any enabled feature uses Redis
func (c *Config) NeedsRedis() bool {
	return (c.RateLimitEnabled && c.RateLimitBackend == BackendRedis) || (c.CacheEnabled && c.CacheShared)
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

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
