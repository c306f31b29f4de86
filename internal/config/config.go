package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	LogLevel     string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	// EncryptionKey protects sensitive subscription metadata at rest.
	EncryptionKey string

	Webhook  WebhookConfig
	Retry    RetryConfig
	Breaker  BreakerConfig
	Cache    CacheConfig
	Provider ProviderConfig
}

// WebhookConfig controls inbound webhook authentication.
type WebhookConfig struct {
	AllowedSourceIPs []string
	MaxTimestampSkew time.Duration
	CacktoSecret     string
	KiwifySecret     string
	RateLimitPerMin  int
}

// RetryConfig controls the retry queue backoff schedule.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	RunInterval  time.Duration
	DLQRetention time.Duration
}

// BreakerConfig controls the outbound circuit breaker.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// CacheConfig holds per-category TTLs for the read-through cache.
type CacheConfig struct {
	DefaultTTL      time.Duration
	SubscriptionTTL time.Duration
	TransactionTTL  time.Duration
	ProductTTL      time.Duration
}

// ProviderConfig holds outbound provider API credentials.
type ProviderConfig struct {
	CacktoBaseURL string
	CacktoAPIKey  string
	CacktoSecret  string
	KiwifyBaseURL string
	KiwifyAPIKey  string
	Timeout       time.Duration
	ProbeTimeout  time.Duration
}

// Module provides the configuration to the fx graph.
var Module = fx.Provide(Load)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "billinghooks"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billinghooks"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		EncryptionKey: strings.TrimSpace(getenv("ENCRYPTION_KEY", "")),

		Webhook: WebhookConfig{
			AllowedSourceIPs: getenvList("ALLOWED_SOURCE_IPS"),
			MaxTimestampSkew: getenvSeconds("MAX_TIMESTAMP_SKEW_SECONDS", 300),
			CacktoSecret:     strings.TrimSpace(getenv("CACKTO_WEBHOOK_SECRET", "")),
			KiwifySecret:     strings.TrimSpace(getenv("KIWIFY_WEBHOOK_SECRET", "")),
			RateLimitPerMin:  getenvInt("WEBHOOK_RATE_LIMIT_PER_MIN", 200),
		},
		Retry: RetryConfig{
			MaxRetries:   getenvInt("MAX_RETRIES", 3),
			InitialDelay: getenvMillis("INITIAL_RETRY_DELAY_MS", 1000),
			MaxDelay:     getenvMillis("MAX_RETRY_DELAY_MS", 30000),
			Factor:       getenvFloat("BACKOFF_FACTOR", 2),
			RunInterval:  getenvSeconds("RETRY_RUN_INTERVAL_SECONDS", 5),
			DLQRetention: getenvSeconds("DLQ_RETENTION_SECONDS", 7*24*3600),
		},
		Breaker: BreakerConfig{
			MaxFailures:  getenvInt("CIRCUIT_MAX_FAILURES", 5),
			ResetTimeout: getenvMillis("CIRCUIT_RESET_TIMEOUT_MS", 60000),
		},
		Cache: CacheConfig{
			DefaultTTL:      getenvSeconds("CACHE_DEFAULT_TTL_SECONDS", 300),
			SubscriptionTTL: getenvSeconds("CACHE_SUBSCRIPTION_TTL_SECONDS", 300),
			TransactionTTL:  getenvSeconds("CACHE_TRANSACTION_TTL_SECONDS", 600),
			ProductTTL:      getenvSeconds("CACHE_PRODUCT_TTL_SECONDS", 3600),
		},
		Provider: ProviderConfig{
			CacktoBaseURL: getenv("CACKTO_API_URL", "https://api.cackto.com"),
			CacktoAPIKey:  strings.TrimSpace(getenv("CACKTO_API_KEY", "")),
			CacktoSecret:  strings.TrimSpace(getenv("CACKTO_SECRET_KEY", "")),
			KiwifyBaseURL: getenv("KIWIFY_API_URL", "https://api.kiwify.com.br"),
			KiwifyAPIKey:  strings.TrimSpace(getenv("KIWIFY_API_KEY", "")),
			Timeout:       getenvMillis("PROVIDER_TIMEOUT_MS", 30000),
			ProbeTimeout:  getenvMillis("PROVIDER_PROBE_TIMEOUT_MS", 10000),
		},
	}
}

// IsProduction reports whether the app runs with production hardening.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvMillis(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Millisecond
}

func getenvSeconds(key string, def int) time.Duration {
	return time.Duration(getenvInt(key, def)) * time.Second
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
