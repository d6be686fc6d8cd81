package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the governance core.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogPretty bool

	// Database
	DBPath string

	// Auth for tool callers; empty disables the bearer check.
	JWTSecret string

	// HTTP limits
	APIRateLimit   float64 // requests per second per IP
	APIRateBurst   int
	RequestTimeout time.Duration

	// Risk policy file (YAML). Empty means DB-active or built-in defaults.
	RiskPolicyPath string

	// Portfolio bootstrap when no persisted state exists.
	InitialCash float64

	// Alert monitoring
	AlertInterval     time.Duration
	PriceFetchTimeout time.Duration
	PriceCacheTTL     time.Duration
	PriceSource       string // "binance" or "mock"
	BinanceBaseURL    string
	MockPrices        map[string]float64

	// Notification dispatch
	NotifyMaxAttempts int
	NotifyBaseBackoff time.Duration
	NotifyWebhookURL  string
	EscalationChannel string

	// Compliance log durability
	AuditFlushInterval time.Duration
	AuditBatchSize     int
	AuditMaxRetries    int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogPretty:          getEnv("LOG_PRETTY", "false") == "true",
		DBPath:             getEnv("DB_PATH", "./data/governance.db"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		APIRateLimit:       getEnvFloat("API_RATE_LIMIT", 20),
		APIRateBurst:       getEnvInt("API_RATE_BURST", 50),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RiskPolicyPath:     os.Getenv("RISK_POLICY_PATH"),
		InitialCash:        getEnvFloat("INITIAL_CASH", 100000),
		AlertInterval:      getEnvDuration("ALERT_INTERVAL", 60*time.Second),
		PriceFetchTimeout:  getEnvDuration("PRICE_FETCH_TIMEOUT", 5*time.Second),
		PriceCacheTTL:      getEnvDuration("PRICE_CACHE_TTL", 2*time.Second),
		PriceSource:        strings.ToLower(getEnv("PRICE_SOURCE", "mock")),
		BinanceBaseURL:     getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
		MockPrices:         parsePrices(getEnv("MOCK_PRICES", "BTCUSDT=50000,ETHUSDT=3000")),
		NotifyMaxAttempts:  getEnvInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyBaseBackoff:  getEnvDuration("NOTIFY_BASE_BACKOFF", 500*time.Millisecond),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		EscalationChannel:  getEnv("ESCALATION_CHANNEL", "ops"),
		AuditFlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", 500*time.Millisecond),
		AuditBatchSize:     getEnvInt("AUDIT_BATCH_SIZE", 50),
		AuditMaxRetries:    getEnvInt("AUDIT_MAX_RETRIES", 5),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// parsePrices reads "SYM=price,SYM2=price" pairs; malformed pairs are skipped.
func parsePrices(val string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(val, ",") {
		sym, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || price <= 0 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = price
	}
	return out
}
