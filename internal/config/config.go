// Package config provides configuration loading for the automations service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the automations service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Postgres connection, used by the schedule store and database steps
	DatabaseURL string

	// Store backends. Each defaults to StoreBackend.
	StoreBackend string
	RunStore     string // memory | redis
	FlowStore    string // memory | redis
	SchedStore   string // memory | postgres
	TenantStore  string // memory | redis
	JobStore     string // memory | redis

	RunStoreTTL time.Duration
	EventMaxLen int64

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Authentication. /api/v1 requires a bearer token when AuthEnabled.
	AuthEnabled       bool
	OIDCIssuer        string
	OIDCClientID      string
	AuthRequiredRoles []string

	// Execution
	MaxIterations   int
	FastWorkers     int
	SlowWorkers     int
	RunWorkers      int
	StepTimeout     time.Duration
	SlowStepTimeout time.Duration
	FastBackoff     time.Duration
	SlowBackoff     time.Duration
	FastAttempts    int
	SlowAttempts    int

	// Schedule reconciliation
	ReconcileInterval    time.Duration
	CleanupDrainInterval time.Duration
	CleanupRetention     time.Duration

	// Platform providers
	EmailAPIURL      string
	EmailAPIKey      string
	EmailFrom        string
	SMSAPIURL        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	LLMAPIURL        string
	LLMAPIKey        string
	LLMModel         string

	// Run archive (S3/MinIO). Disabled when ArchiveBucket is empty.
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool
	ArchivePrefix    string

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	backend := getEnv("STORE_BACKEND", BackendMemory)
	relational := backend
	if backend == BackendRedis {
		relational = BackendMemory
	}
	keyValue := backend
	if backend == BackendPostgres {
		keyValue = BackendMemory
	}

	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // SSE streams stay open
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Stores
		StoreBackend: backend,
		RunStore:     getEnv("RUNSTORE", keyValue),
		FlowStore:    getEnv("FLOWSTORE", keyValue),
		SchedStore:   getEnv("SCHEDSTORE", relational),
		TenantStore:  getEnv("TENANTSTORE", keyValue),
		JobStore:     getEnv("JOBSTORE", keyValue),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Auth
		AuthEnabled:       getBool("AUTH_ENABLED", false),
		OIDCIssuer:        getEnv("OIDC_ISSUER", ""),
		OIDCClientID:      getEnv("OIDC_CLIENT_ID", ""),
		AuthRequiredRoles: getStringSlice("AUTH_REQUIRED_ROLES", nil),

		// Execution
		MaxIterations:   getInt("MAX_ITERATIONS", 1000),
		FastWorkers:     getInt("FAST_WORKERS", 16),
		SlowWorkers:     getInt("SLOW_WORKERS", 4),
		RunWorkers:      getInt("RUN_WORKERS", 8),
		StepTimeout:     getDuration("STEP_TIMEOUT", 30*time.Second),
		SlowStepTimeout: getDuration("SLOW_STEP_TIMEOUT", 15*time.Minute),
		FastBackoff:     getDuration("FAST_BACKOFF", 2*time.Second),
		SlowBackoff:     getDuration("SLOW_BACKOFF", 5*time.Second),
		FastAttempts:    getInt("FAST_ATTEMPTS", 3),
		SlowAttempts:    getInt("SLOW_ATTEMPTS", 5),

		// Schedules
		ReconcileInterval:    getDuration("RECONCILE_INTERVAL", time.Hour),
		CleanupDrainInterval: getDuration("CLEANUP_DRAIN_INTERVAL", time.Minute),
		CleanupRetention:     getDuration("CLEANUP_RETENTION", 7*24*time.Hour),

		// Providers
		EmailAPIURL:      getEnv("EMAIL_API_URL", "https://api.sendgrid.com/v3/mail/send"),
		EmailAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:        getEnv("EMAIL_FROM", ""),
		SMSAPIURL:        getEnv("SMS_API_URL", "https://api.twilio.com"),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       getEnv("TWILIO_FROM", ""),
		LLMAPIURL:        getEnv("LLM_API_URL", "https://api.openai.com/v1/chat/completions"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", "gpt-4o-mini"),

		// Archive
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseSSL:    getBool("ARCHIVE_USE_SSL", false),
		ArchivePrefix:    getEnv("ARCHIVE_PREFIX", ""),

		// Tracing
		OTelEnabled:    getBool("OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// UsesRedis reports whether any store needs the shared Redis client.
func (c *Config) UsesRedis() bool {
	for _, b := range []string{c.RunStore, c.FlowStore, c.TenantStore, c.JobStore} {
		if b == BackendRedis {
			return true
		}
	}
	return false
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
