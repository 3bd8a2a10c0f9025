package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/planscout/retry"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Run       RunConfig
	Retry     RetryConfig
	Fetch     FetchConfig
	Browser   BrowserConfig
	Session   SessionConfig
	Store     StoreConfig
	Webhook   WebhookConfig

	// SitesFile is the YAML file holding site definitions and keywords.
	SitesFile string // default: "sites.yaml"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting of the HTTP API.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// RunConfig controls the coordinator.
type RunConfig struct {
	// MaxConcurrentSites bounds how many sites are scraped at once.
	// Zero means one worker per configured site.
	MaxConcurrentSites int // default: 0

	// KeepUnmatched stores records that matched no keyword.
	KeepUnmatched bool // default: false
}

// RetryConfig is the shared retry policy.
type RetryConfig struct {
	MaxAttempts int           // default: 3
	BaseDelay   time.Duration // default: 2s
	MaxDelay    time.Duration // default: 30s
	Jitter      float64       // default: 0.2

	// RepeatLimit is how many identical ambiguous 4xx in a row are
	// tolerated before the site is treated as blocked.
	RepeatLimit int // default: 2
}

// Policy builds the retry policy.
func (c RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		RepeatLimit: c.RepeatLimit,
	}
}

// FetchConfig controls the transports.
type FetchConfig struct {
	// Timeout is the per-exchange deadline.
	Timeout time.Duration // default: 30s

	// UserAgent is sent on every request.
	UserAgent string // default: fetch.DefaultUserAgent

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64 // default: 10 MB
}

// BrowserConfig controls the Rod browser used by "browser" engine sites.
type BrowserConfig struct {
	// ControlURL connects to a running browser instead of launching one.
	ControlURL string

	// Bin overrides the Chromium binary path.
	Bin string

	// Headless controls whether a launched browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// MaxPages is the page pool capacity.
	MaxPages int // default: 2
}

// SessionConfig controls cached portal credentials.
type SessionConfig struct {
	// TokenTTL bounds reuse of a harvested CSRF token.
	TokenTTL time.Duration // default: 10m

	// IdleTTL drops sessions unused for this long.
	IdleTTL time.Duration // default: 6h
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string // default: "sqlite"

	// DSN is the sqlite path or postgres connection string.
	DSN string // default: "planscout.db"
}

// WebhookConfig controls run-summary delivery.
type WebhookConfig struct {
	// URL receives run.completed events. Empty disables delivery.
	URL string

	// Secret signs payloads with HMAC-SHA256 when set.
	Secret string
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("PLANSCOUT_HOST", "0.0.0.0"),
			Port: envIntOr("PLANSCOUT_PORT", 8080),
			Mode: envOr("PLANSCOUT_MODE", "release"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("PLANSCOUT_AUTH_ENABLED", true),
			APIKeys: envSliceOr("PLANSCOUT_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("PLANSCOUT_RATE_RPS", 5.0),
			Burst:             envIntOr("PLANSCOUT_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("PLANSCOUT_LOG_LEVEL", "info"),
			Format: envOr("PLANSCOUT_LOG_FORMAT", "json"),
		},
		Run: RunConfig{
			MaxConcurrentSites: envIntOr("PLANSCOUT_MAX_CONCURRENT_SITES", 0),
			KeepUnmatched:      envBoolOr("PLANSCOUT_KEEP_UNMATCHED", false),
		},
		Retry: RetryConfig{
			MaxAttempts: envIntOr("PLANSCOUT_RETRY_ATTEMPTS", 3),
			BaseDelay:   envDurationOr("PLANSCOUT_RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:    envDurationOr("PLANSCOUT_RETRY_MAX_DELAY", 30*time.Second),
			Jitter:      envFloatOr("PLANSCOUT_RETRY_JITTER", 0.2),
			RepeatLimit: envIntOr("PLANSCOUT_RETRY_REPEAT_LIMIT", 2),
		},
		Fetch: FetchConfig{
			Timeout:      envDurationOr("PLANSCOUT_FETCH_TIMEOUT", 30*time.Second),
			UserAgent:    os.Getenv("PLANSCOUT_USER_AGENT"),
			MaxBodyBytes: int64(envIntOr("PLANSCOUT_MAX_BODY_BYTES", 10<<20)),
		},
		Browser: BrowserConfig{
			ControlURL: os.Getenv("PLANSCOUT_BROWSER_URL"),
			Bin:        os.Getenv("PLANSCOUT_BROWSER_BIN"),
			Headless:   envBoolOr("PLANSCOUT_HEADLESS", true),
			NoSandbox:  envBoolOr("PLANSCOUT_NO_SANDBOX", false),
			MaxPages:   envIntOr("PLANSCOUT_MAX_PAGES", 2),
		},
		Session: SessionConfig{
			TokenTTL: envDurationOr("PLANSCOUT_TOKEN_TTL", 10*time.Minute),
			IdleTTL:  envDurationOr("PLANSCOUT_SESSION_IDLE_TTL", 6*time.Hour),
		},
		Store: StoreConfig{
			Driver: envOr("PLANSCOUT_STORE", "sqlite"),
			DSN:    envOr("PLANSCOUT_STORE_DSN", "planscout.db"),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("PLANSCOUT_WEBHOOK_URL"),
			Secret: os.Getenv("PLANSCOUT_WEBHOOK_SECRET"),
		},
		SitesFile: envOr("PLANSCOUT_SITES_FILE", "sites.yaml"),
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
