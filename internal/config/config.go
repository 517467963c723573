// Package config loads the relay's configuration from the environment
// (optionally seeded from a local .env via godotenv), via small
// envOr/envInt/envDuration helpers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	StaticToken   string

	// Upstream (AWS event-stream vendor endpoint)
	UpstreamURL     string
	UpstreamRegion  string
	UpstreamProfile string

	// OAuth refresh endpoints, one per auth method
	OAuthClientID       string
	OAuthTokenURL       string
	SocialOAuthTokenURL string
	IDCOAuthTokenURL    string

	// Identity registry (bootstrap input, read-only)
	IdentityRegistryPath string

	// Scheduling / credentials
	SessionBindingTTL   time.Duration
	TokenRefreshAdvance time.Duration

	// Error pause durations
	ErrorPause401 time.Duration
	ErrorPause403 time.Duration
	ErrorPause429 time.Duration
	ErrorPause529 time.Duration

	// Error classification body-substring sets (Open Question, see DESIGN.md)
	QuotaMarkers       []string
	LengthErrorMarkers []string

	// Request
	RequestTimeout   time.Duration
	StreamTimeout    time.Duration
	MaxRequestBodyMB int
	MaxRetryAccounts int
	MaxCacheControls int

	// History manager
	HistoryMaxChars int
	HistoryMaxTurns int

	// Rate limiter
	RateLimitBucketSize int
	RateLimitRefillPer  time.Duration

	// Flow monitor archive sink (optional)
	ArchiveBucket        string
	ArchiveThresholdByte int64
	ArchiveEndpoint      string
	ArchiveAccessKey     string
	ArchiveSecretKey     string

	// Observability
	LogLevel       string
	MetricsAddr    string
	OTLPEndpoint   string
	CORSOrigins    []string
	LogPurgeCron   string
	CooldownCron   string
	TransportClean string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "./relay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		StaticToken:   os.Getenv("API_TOKEN"),

		UpstreamURL:     envOr("UPSTREAM_URL", "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"),
		UpstreamRegion:  envOr("UPSTREAM_REGION", "us-east-1"),
		UpstreamProfile: os.Getenv("UPSTREAM_PROFILE_ARN"),

		OAuthClientID:       os.Getenv("OAUTH_CLIENT_ID"),
		OAuthTokenURL:       envOr("OAUTH_TOKEN_URL", "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"),
		SocialOAuthTokenURL: envOr("SOCIAL_OAUTH_TOKEN_URL", "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"),
		IDCOAuthTokenURL:    envOr("IDC_OAUTH_TOKEN_URL", "https://oidc.us-east-1.amazonaws.com/token"),

		IdentityRegistryPath: envOr("IDENTITY_REGISTRY", "./identities.yaml"),

		SessionBindingTTL:   envDuration("SESSION_BINDING_TTL", 24*time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		ErrorPause401: envDuration("ERROR_PAUSE_401", 30*time.Minute),
		ErrorPause403: envDuration("ERROR_PAUSE_403", 10*time.Minute),
		ErrorPause429: envDuration("ERROR_PAUSE_429", 60*time.Second),
		ErrorPause529: envDuration("ERROR_PAUSE_529", 5*time.Minute),

		QuotaMarkers:       envList("QUOTA_MARKERS", []string{"usage limit", "quota", "rate limit exceeded"}),
		LengthErrorMarkers: envList("LENGTH_ERROR_MARKERS", []string{"too long", "maximum context", "prompt is too long", "input is too long"}),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 2*time.Minute),
		StreamTimeout:    envDuration("STREAM_TIMEOUT", 5*time.Minute),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),
		MaxRetryAccounts: envInt("MAX_RETRY_IDENTITIES", 2),
		MaxCacheControls: envInt("MAX_CACHE_CONTROLS", 4),

		HistoryMaxChars: envInt("HISTORY_MAX_CHARS", 180_000),
		HistoryMaxTurns: envInt("HISTORY_MAX_TURNS", 200),

		RateLimitBucketSize: envInt("RATE_LIMIT_BUCKET_SIZE", 20),
		RateLimitRefillPer:  envDuration("RATE_LIMIT_REFILL_PERIOD", 3*time.Second),

		ArchiveBucket:        os.Getenv("ARCHIVE_BUCKET"),
		ArchiveThresholdByte: int64(envInt("ARCHIVE_THRESHOLD_BYTES", 256*1024)),
		ArchiveEndpoint:      envOr("ARCHIVE_ENDPOINT", "localhost:9000"),
		ArchiveAccessKey:     os.Getenv("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey:     os.Getenv("ARCHIVE_SECRET_KEY"),

		LogLevel:       envOr("LOG_LEVEL", "info"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		CORSOrigins:    envList("CORS_ORIGINS", []string{"*"}),
		LogPurgeCron:   envOr("LOG_PURGE_CRON", "0 0 * * *"),
		CooldownCron:   envOr("COOLDOWN_SWEEP_CRON", "*/1 * * * *"),
		TransportClean: envOr("TRANSPORT_CLEANUP_CRON", "*/5 * * * *"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.StaticToken == "" {
		return errMissing("API_TOKEN")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
