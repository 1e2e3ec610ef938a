package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Fetch     FetchConfig
	Browser   BrowserConfig
	Render    RenderConfig
	Policy    PolicyConfig
	Retry     RetryConfig
	Circuit   CircuitConfig
	Workers   WorkerConfig
	Cache     CacheConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// FetchConfig controls the static (no-JS) fetch path.
type FetchConfig struct {
	// Timeout is the deadline for one fetch attempt.
	Timeout time.Duration // default: 10s

	// MaxBodyBytes caps the response body read per attempt.
	MaxBodyBytes int64 // default: 10MB

	// RespectRobots gates fetches on the target's robots.txt.
	RespectRobots bool // default: false
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is the browser-level proxy. Page sessions share one
	// browser process, so dynamic renders cannot switch proxy per
	// identity; the static path can.
	Proxy string

	// BlockedResourceTypes lists resource types blocked during renders.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string

	// BlockTrackers additionally blocks requests to known ad and
	// analytics domains during renders.
	BlockTrackers bool // default: false
}

// RenderConfig controls the render-session pool and readiness waits.
type RenderConfig struct {
	// Enabled toggles the dynamic render path. Disabled deployments
	// never launch a browser and reject dynamic jobs.
	Enabled bool // default: true

	// PoolSize is the maximum number of concurrent render sessions.
	PoolSize int // default: 3

	// QueueDepth is the ceiling on blocked waiters for a session.
	// Acquisitions beyond it fail with POOL_EXHAUSTED.
	QueueDepth int // default: 8

	// NavTimeout bounds navigation plus settling for one render.
	NavTimeout time.Duration // default: 15s

	// SettleDuration is the quiet window for the DOM-stable wait.
	SettleDuration time.Duration // default: 300ms

	// SessionMaxUses retires a session after this many renders.
	SessionMaxUses int // default: 50

	// SessionMaxAge retires a session past this age.
	SessionMaxAge time.Duration // default: 50m
}

// PolicyConfig controls request identity and per-host pacing.
type PolicyConfig struct {
	// UserAgents is the identity pool. Each entry pairs with the
	// matching Proxies entry when one exists.
	UserAgents []string

	// Proxies optionally assigns a proxy per identity, by index.
	// Shorter than UserAgents means the tail gets no proxy.
	Proxies []string

	// Rotation is "roundrobin" (default) or "weighted".
	Rotation string

	// Weights biases weighted rotation, by identity index.
	Weights []float64

	// MinInterval is the minimum spacing between requests to one host.
	MinInterval time.Duration // default: 1s

	// PaceBase is the base delay applied even to unpaced requests.
	PaceBase time.Duration // default: 250ms

	// PaceJitter spreads PaceBase by this fraction (0.0-1.0).
	PaceJitter float64 // default: 0.5

	// Seed fixes the jitter and weighted-rotation source. 0 seeds
	// from the clock.
	Seed int64 // default: 0
}

// RetryConfig controls retry decisions and backoff.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per job, first try included.
	MaxAttempts int // default: 4

	// BaseDelay is the backoff before the first retry of a transient failure.
	BaseDelay time.Duration // default: 500ms

	// RateLimitedDelay is the larger backoff base after a 429.
	RateLimitedDelay time.Duration // default: 2s

	// Multiplier grows the delay each further attempt.
	Multiplier float64 // default: 2.0

	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration // default: 30s
}

// CircuitConfig controls the per-host circuit breaker.
type CircuitConfig struct {
	// Threshold is the consecutive-failure count that opens a host's circuit.
	Threshold int // default: 5

	// Cooldown is the initial open window. Reopening doubles it.
	Cooldown time.Duration // default: 30s

	// MaxCooldown caps the doubling.
	MaxCooldown time.Duration // default: 10m
}

// WorkerConfig controls the scrape worker pool.
type WorkerConfig struct {
	// Count is the number of concurrent job workers.
	Count int // default: 8

	// QueueSize bounds jobs waiting for a worker.
	QueueSize int // default: 64
}

// CacheConfig controls the extraction-result cache.
type CacheConfig struct {
	// Enabled toggles the cache.
	Enabled bool // default: true

	// TTL is how long a cached result stays fresh.
	TTL time.Duration // default: 5m

	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls inbound per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// WebhookConfig controls batch-completion delivery.
type WebhookConfig struct {
	// URL receives a signed POST when a batch finishes. Empty disables delivery.
	URL string

	// Secret signs the payload (HMAC-SHA256 in X-Forage-Signature).
	Secret string

	// Timeout bounds one delivery attempt.
	Timeout time.Duration // default: 10s

	// MaxRetries is the number of re-deliveries after a failure.
	MaxRetries int // default: 3
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// defaultUserAgents is the identity pool used when FORAGE_USER_AGENTS
// is unset. Current desktop Chrome on the three major platforms.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("FORAGE_HOST", "0.0.0.0"),
			Port: envIntOr("FORAGE_PORT", 8080),
			Mode: envOr("FORAGE_MODE", "release"),
		},
		Fetch: FetchConfig{
			Timeout:       envDurationOr("FORAGE_FETCH_TIMEOUT", 10*time.Second),
			MaxBodyBytes:  int64(envIntOr("FORAGE_MAX_BODY_BYTES", 10*1024*1024)),
			RespectRobots: envBoolOr("FORAGE_RESPECT_ROBOTS", false),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("FORAGE_HEADLESS", true),
			NoSandbox:  envBoolOr("FORAGE_NO_SANDBOX", false),
			BrowserBin: os.Getenv("FORAGE_BROWSER_BIN"),
			Proxy:      os.Getenv("FORAGE_BROWSER_PROXY"),
			BlockedResourceTypes: envSliceOr("FORAGE_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
			BlockTrackers: envBoolOr("FORAGE_BLOCK_TRACKERS", false),
		},
		Render: RenderConfig{
			Enabled:        envBoolOr("FORAGE_RENDER_ENABLED", true),
			PoolSize:       envIntOr("FORAGE_RENDER_POOL", 3),
			QueueDepth:     envIntOr("FORAGE_RENDER_QUEUE", 8),
			NavTimeout:     envDurationOr("FORAGE_NAV_TIMEOUT", 15*time.Second),
			SettleDuration: envDurationOr("FORAGE_SETTLE_DURATION", 300*time.Millisecond),
			SessionMaxUses: envIntOr("FORAGE_SESSION_MAX_USES", 50),
			SessionMaxAge:  envDurationOr("FORAGE_SESSION_MAX_AGE", 50*time.Minute),
		},
		Policy: PolicyConfig{
			UserAgents:  envSliceOr("FORAGE_USER_AGENTS", defaultUserAgents),
			Proxies:     envSliceOr("FORAGE_PROXIES", nil),
			Rotation:    envOr("FORAGE_ROTATION", "roundrobin"),
			Weights:     envFloatSliceOr("FORAGE_UA_WEIGHTS", nil),
			MinInterval: envDurationOr("FORAGE_MIN_INTERVAL", time.Second),
			PaceBase:    envDurationOr("FORAGE_PACE_BASE", 250*time.Millisecond),
			PaceJitter:  envFloatOr("FORAGE_PACE_JITTER", 0.5),
			Seed:        int64(envIntOr("FORAGE_SEED", 0)),
		},
		Retry: RetryConfig{
			MaxAttempts:      envIntOr("FORAGE_MAX_ATTEMPTS", 4),
			BaseDelay:        envDurationOr("FORAGE_BACKOFF_BASE", 500*time.Millisecond),
			RateLimitedDelay: envDurationOr("FORAGE_BACKOFF_RATELIMITED", 2*time.Second),
			Multiplier:       envFloatOr("FORAGE_BACKOFF_MULTIPLIER", 2.0),
			MaxDelay:         envDurationOr("FORAGE_BACKOFF_MAX", 30*time.Second),
		},
		Circuit: CircuitConfig{
			Threshold:   envIntOr("FORAGE_CIRCUIT_THRESHOLD", 5),
			Cooldown:    envDurationOr("FORAGE_CIRCUIT_COOLDOWN", 30*time.Second),
			MaxCooldown: envDurationOr("FORAGE_CIRCUIT_MAX_COOLDOWN", 10*time.Minute),
		},
		Workers: WorkerConfig{
			Count:     envIntOr("FORAGE_WORKERS", 8),
			QueueSize: envIntOr("FORAGE_WORKER_QUEUE", 64),
		},
		Cache: CacheConfig{
			Enabled:    envBoolOr("FORAGE_CACHE_ENABLED", true),
			TTL:        envDurationOr("FORAGE_CACHE_TTL", 5*time.Minute),
			MaxEntries: envIntOr("FORAGE_CACHE_MAX_ENTRIES", 1000),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("FORAGE_AUTH_ENABLED", false),
			APIKeys: envSliceOr("FORAGE_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("FORAGE_RATE_RPS", 5.0),
			Burst:             envIntOr("FORAGE_RATE_BURST", 10),
		},
		Webhook: WebhookConfig{
			URL:        os.Getenv("FORAGE_WEBHOOK_URL"),
			Secret:     os.Getenv("FORAGE_WEBHOOK_SECRET"),
			Timeout:    envDurationOr("FORAGE_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxRetries: envIntOr("FORAGE_WEBHOOK_RETRIES", 3),
		},
		Log: LogConfig{
			Level:  envOr("FORAGE_LOG_LEVEL", "info"),
			Format: envOr("FORAGE_LOG_FORMAT", "json"),
		},
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

func envFloatSliceOr(key string, fallback []float64) []float64 {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]float64, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
					result = append(result, f)
				}
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
