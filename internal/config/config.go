// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name, one of debug/info/warn/error (default "info").
//   - CACHE_MAX_SIZE: maximum cache entries before LRU eviction kicks in
//     (default "1000", must be > 0 if set).
//   - CACHE_DEFAULT_TTL: default cache entry lifetime (default "5m", must be > 0 if set).
//   - CACHE_STALE_TTL: grace window served stale-while-revalidate (default "1m", must be > 0 if set).
//   - AUDIT_RETENTION_DAYS: days an audit record is kept before Purge drops it
//     (default "90", must be > 0 if set).
//   - AUDIT_MAX_RECORDS: in-memory audit record cap (default "100000", must be > 0 if set).
//   - SYNC_INTERVAL: interval between background merge-remote cycles (default "1m", must be > 0 if set).
//   - SYNC_RATE_LIMIT: max sync cycles per second the rate limiter admits
//     (default "1", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes (default "1048576", must be > 0 if set).
//   - REDIS_ADDR: address of a Redis instance used for cross-node cache invalidation.
//     Left empty, the server runs without cross-node invalidation.
//   - ENVIRONMENT: deployment environment tag attached to audit records
//     (default "production").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                = ":8080"
	defaultLogLevel                = "info"
	defaultCacheMaxSize            = 1000
	defaultCacheTTL                = 5 * time.Minute
	defaultCacheStaleTTL           = time.Minute
	defaultAuditRetentionDays      = 90
	defaultAuditMaxRecords         = 100_000
	defaultSyncInterval            = time.Minute
	defaultSyncRateLimit   float64 = 1
	defaultMaxJSONBodySize   int64 = 1 << 20 // 1MB
	defaultEnvironment            = "production"
)

// Config holds the runtime configuration for the flag-evaluation server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	CacheMaxSize        int
	CacheDefaultTTL     time.Duration
	CacheStaleTTL       time.Duration
	AuditRetentionDays  int
	AuditMaxRecords     int
	SyncInterval        time.Duration
	SyncRateLimit       float64
	MaxJSONBodySize     int64
	RedisAddr           string
	Environment         string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are
// missing or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	cacheMaxSize, err := envPositiveInt("CACHE_MAX_SIZE", defaultCacheMaxSize)
	if err != nil {
		return Config{}, err
	}

	cacheDefaultTTL, err := envPositiveDuration("CACHE_DEFAULT_TTL", defaultCacheTTL)
	if err != nil {
		return Config{}, err
	}

	cacheStaleTTL, err := envPositiveDuration("CACHE_STALE_TTL", defaultCacheStaleTTL)
	if err != nil {
		return Config{}, err
	}

	auditRetentionDays, err := envPositiveInt("AUDIT_RETENTION_DAYS", defaultAuditRetentionDays)
	if err != nil {
		return Config{}, err
	}

	auditMaxRecords, err := envPositiveInt("AUDIT_MAX_RECORDS", defaultAuditMaxRecords)
	if err != nil {
		return Config{}, err
	}

	syncInterval, err := envPositiveDuration("SYNC_INTERVAL", defaultSyncInterval)
	if err != nil {
		return Config{}, err
	}

	syncRateLimit := defaultSyncRateLimit
	if v := strings.TrimSpace(os.Getenv("SYNC_RATE_LIMIT")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return Config{}, errors.New("SYNC_RATE_LIMIT must be a positive number")
		}
		syncRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:        databaseURL,
		HTTPAddr:           envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:           envOrDefault("LOG_LEVEL", defaultLogLevel),
		CacheMaxSize:       cacheMaxSize,
		CacheDefaultTTL:    cacheDefaultTTL,
		CacheStaleTTL:      cacheStaleTTL,
		AuditRetentionDays: auditRetentionDays,
		AuditMaxRecords:    auditMaxRecords,
		SyncInterval:       syncInterval,
		SyncRateLimit:      syncRateLimit,
		MaxJSONBodySize:    maxJSONBodySize,
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		Environment:        envOrDefault("ENVIRONMENT", defaultEnvironment),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envPositiveInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func envPositiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}
