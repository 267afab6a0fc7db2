// Package config loads environment variables into the typed Config used by the
// binary. Every key has a default so the service runs locally with no setup;
// empty backend URLs fall back to the production endpoints baked into the
// client packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Rank backend
	RankAPIURL         string
	SubscriptionAPIURL string
	BackendTimeout     time.Duration

	// Badge icons
	BadgeCDNURL      string
	BadgeIconVersion string

	// Cache and per-tab pipeline
	RankCacheMaxSize int
	RankCacheTTL     time.Duration
	DedupMaxSize     int
	FallbackDelay    time.Duration
	ProbeWindow      time.Duration

	// HTTP
	HTTPAddr           string
	Env                string
	AdminUsername      string
	AdminPassword      string
	AdminToken         string
	RateLimitEnabled   bool
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	CORSPermissive     bool
	CORSAllowedOrigins []string

	// Storage
	StoreBackend string
	DBDsn        string
	RedisURL     string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	ViewerLogin        string
	WatchChannel       string
	WatchPollInterval  time.Duration
	WatchAlwaysOn      bool

	// Observability
	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. Malformed numbers and
// durations are errors; missing values never are.
func Load() (*Config, error) {
	cfg := &Config{
		RankAPIURL:         os.Getenv("RANK_API_URL"),
		SubscriptionAPIURL: os.Getenv("SUBSCRIPTION_API_URL"),
		BadgeCDNURL:        os.Getenv("BADGE_CDN_URL"),
		BadgeIconVersion:   getEnv("BADGE_ICON_VERSION", "v1"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		Env:                strings.ToLower(os.Getenv("ENV")),
		AdminUsername:      os.Getenv("ADMIN_USERNAME"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RateLimitEnabled:   os.Getenv("RATE_LIMIT_ENABLED") != "0",
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", "memory")),
		DBDsn:              os.Getenv("DB_DSN"),
		RedisURL:           os.Getenv("REDIS_URL"),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		ViewerLogin:        os.Getenv("VIEWER_LOGIN"),
		WatchChannel:       os.Getenv("WATCH_CHANNEL"),
		WatchAlwaysOn:      os.Getenv("WATCH_ALWAYS_ON") == "1",
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// dev mode is permissive unless explicitly overridden
	cfg.CORSPermissive = cfg.Env == "" || cfg.Env == "dev" || cfg.Env == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.CORSPermissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
		}
	}

	var err error
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"RANK_CACHE_MAX_SIZE", 500, &cfg.RankCacheMaxSize},
		{"DEDUP_MAX_SIZE", 1000, &cfg.DedupMaxSize},
		{"RATE_LIMIT_REQUESTS_PER_IP", 30, &cfg.RateLimitRequests},
	}
	for _, f := range ints {
		if *f.dst, err = getEnvInt(f.key, f.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"RANK_API_TIMEOUT", 5 * time.Second, &cfg.BackendTimeout},
		{"RANK_CACHE_TTL", time.Hour, &cfg.RankCacheTTL},
		{"ACTIVATION_FALLBACK_DELAY", 10 * time.Second, &cfg.FallbackDelay},
		{"COMPAT_PROBE_WINDOW", 10 * time.Second, &cfg.ProbeWindow},
		{"RATE_LIMIT_WINDOW", time.Minute, &cfg.RateLimitWindow},
		{"WATCH_POLL_INTERVAL", time.Minute, &cfg.WatchPollInterval},
	}
	for _, f := range durations {
		if *f.dst, err = getEnvDuration(f.key, f.def); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks bounds and the settings each store backend requires.
func (c *Config) Validate() error {
	if c.RankCacheMaxSize < 1 {
		return fmt.Errorf("RANK_CACHE_MAX_SIZE must be positive, got %d", c.RankCacheMaxSize)
	}
	if c.DedupMaxSize < 1 {
		return fmt.Errorf("DEDUP_MAX_SIZE must be positive, got %d", c.DedupMaxSize)
	}
	if c.RankCacheTTL <= 0 {
		return fmt.Errorf("RANK_CACHE_TTL must be positive, got %s", c.RankCacheTTL)
	}
	if c.FallbackDelay < 0 || c.ProbeWindow < 0 {
		return fmt.Errorf("ACTIVATION_FALLBACK_DELAY and COMPAT_PROBE_WINDOW must not be negative")
	}
	if c.RateLimitEnabled && (c.RateLimitRequests < 1 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("rate limiting needs RATE_LIMIT_REQUESTS_PER_IP > 0 and RATE_LIMIT_WINDOW > 0")
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DBDsn == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DB_DSN")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("STORE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, postgres or redis)", c.StoreBackend)
	}
	return nil
}

// HelixEnabled reports whether remote game detection has credentials.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// AdminAuthEnabled reports whether admin routes are protected.
func (c *Config) AdminAuthEnabled() bool {
	return (c.AdminUsername != "" && c.AdminPassword != "") || c.AdminToken != ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
