package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	Backend string // "redis" | "memory"

	// Identity (bearer tokens are issued elsewhere, we only verify them)
	AuthSecret   string // HS256 signing secret
	AuthIssuer   string // optional, expected "iss"
	AuthAudience string // optional, expected "aud"

	// Synchronization
	RequestTimeout      time.Duration // bound on each store request (default: 10s)
	FeedRetryInterval   time.Duration // initial wait between feed resubscriptions (default: 1s)
	FeedMaxWait         time.Duration // max wait between feed resubscriptions (default: 30s)
	FeedMaxRetries      int           // consecutive failures before snapshot-only mode (default: 5)
	ReconcileOnDelete   bool          // re-fetch the collection after each delete (default: true)
	SessionIdleTTL      time.Duration // idle sessions are released after this (default: 15m)
	SessionSweepEvery   time.Duration // how often idle sessions are looked for (default: 1m)
	SSEHeartbeat        time.Duration // keep-alive comment interval on event streams (default: 15s)
	MaxNotices          int           // notices kept per session (default: 20)
	ImportOwner         string        // user receiving imported bookmarks (empty = import disabled)
	BookmarkFile        string        // path to homepage bookmarks.yaml (optional)
	ServiceFile         string        // path to homepage services.yaml (optional)
	ImportInterval      time.Duration // interval between imports (default: 24h)
	RateLimitBurst      int           // mutations allowed in a burst per user
	RateLimitPerMinute  int           // sustained mutations per minute per user
	FeedSubscriberQueue int           // memory backend: events a subscriber may lag behind

	// Redis
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	AllowedHosts []string // optional, restrict access to specific Host headers
	AllowedCIDRS []string // optional, restrict infra endpoints to specific IPs/CIDRs (e.g. "10.0.0.0/8, 1.2.3.4")
	TrustProxy   bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
}

// ImportEnabled reports whether the homepage importer should run.
func (c *Config) ImportEnabled() bool {
	return c.ImportOwner != "" && (c.BookmarkFile != "" || c.ServiceFile != "")
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("SHELF_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("SHELF_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("SHELF_LOG_LEVEL", "info"),
		PrettyLog: mustBool("SHELF_PRETTY_LOG", true),

		Backend: strings.ToLower(getenv("SHELF_BACKEND", BackendRedis)),

		// Identity
		AuthSecret:   requireEnv("SHELF_AUTH_SECRET"),
		AuthIssuer:   getenv("SHELF_AUTH_ISSUER", ""),
		AuthAudience: getenv("SHELF_AUTH_AUDIENCE", ""),

		// Synchronization
		RequestTimeout:      mustDuration("SHELF_REQUEST_TIMEOUT", 10*time.Second),
		FeedRetryInterval:   mustDuration("SHELF_FEED_RETRY_INTERVAL", time.Second),
		FeedMaxWait:         mustDuration("SHELF_FEED_MAX_WAIT", 30*time.Second),
		FeedMaxRetries:      getenvInt("SHELF_FEED_MAX_RETRIES", 5),
		ReconcileOnDelete:   mustBool("SHELF_RECONCILE_ON_DELETE", true),
		SessionIdleTTL:      mustDuration("SHELF_SESSION_IDLE_TTL", 15*time.Minute),
		SessionSweepEvery:   mustDuration("SHELF_SESSION_SWEEP_INTERVAL", time.Minute),
		SSEHeartbeat:        mustDuration("SHELF_SSE_HEARTBEAT", 15*time.Second),
		MaxNotices:          getenvInt("SHELF_MAX_NOTICES", 20),
		FeedSubscriberQueue: getenvInt("SHELF_FEED_QUEUE_SIZE", 256),

		// Import
		ImportOwner:    getenv("SHELF_IMPORT_OWNER", ""),
		BookmarkFile:   getenv("SHELF_BOOKMARK_FILE", ""),
		ServiceFile:    getenv("SHELF_SERVICE_FILE", ""),
		ImportInterval: mustDuration("SHELF_IMPORT_INTERVAL", 24*time.Hour),

		// Rate limiting
		RateLimitBurst:     getenvInt("SHELF_RATE_BURST", 20),
		RateLimitPerMinute: getenvInt("SHELF_RATE_PER_MIN", 60),

		// Access restrictions
		AllowedHosts: splitAndTrim(getenv("SHELF_ALLOWED_HOSTS", "")),
		AllowedCIDRS: parseAllowedIPs(getenv("SHELF_ALLOWED_CIDRS", "")),
		TrustProxy:   mustBool("SHELF_TRUST_PROXY", true),
	}

	switch cfg.Backend {
	case BackendRedis:
		loadRedis(cfg)
	case BackendMemory:
	default:
		panic(fmt.Sprintf("❌ FATAL: SHELF_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, cfg.Backend))
	}

	if cfg.ImportOwner == "" && (cfg.BookmarkFile != "" || cfg.ServiceFile != "") {
		panic("❌ FATAL: SHELF_IMPORT_OWNER is required when SHELF_BOOKMARK_FILE or SHELF_SERVICE_FILE is set")
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.AuthSecret = "***REDACTED***"
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.RedisUser != "" {
			cfgCopy.RedisUser = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

func loadRedis(cfg *Config) {
	cfg.RedisAddr = requireEnv("SHELF_REDIS_ADDR")
	cfg.RedisUser = getenv("SHELF_REDIS_USERNAME", "default")
	cfg.RedisPasswordRequired = mustBool("SHELF_REDIS_PASSWORD_REQUIRED", true)
	cfg.RedisPassword = getenv("SHELF_REDIS_PASSWORD", "")
	cfg.RedisDB = requireEnvInt("SHELF_REDIS_DB")
	cfg.RedisDT = mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	cfg.RedisRT = mustDuration("REDIS_READ_TIMEOUT", 3*time.Second)
	cfg.RedisWT = mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second)
	cfg.RedisMaxWait = mustDuration("REDIS_MAX_WAIT", 10*time.Second)
	cfg.RedisPingTimeout = mustDuration("REDIS_PING_TIMEOUT", 5*time.Second)
	cfg.RedisPoolSize = getenvInt("REDIS_POOL_SIZE", 10)
	cfg.RedisConnectTimeout = mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second)
	cfg.RedisRetryInterval = mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second)
	cfg.RedisWarnThreshold = getenvInt("REDIS_WARN_THRESHOLD", 3)

	// Validate Redis password configuration
	if cfg.RedisPasswordRequired && cfg.RedisPassword == "" {
		panic("❌ FATAL: SHELF_REDIS_PASSWORD is required when SHELF_REDIS_PASSWORD_REQUIRED=true")
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func requireEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("❌ FATAL: Invalid integer value for %s: %s", key, v))
	}
	return i
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
