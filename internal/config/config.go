// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/lendbridge/internal/chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// API access. Escrow mutations require one of APIKeys when any are set.
	APIKeys            []string
	CORSAllowedOrigins []string
	RateLimitRPM       int
	RateLimitBurst     int

	// Redis stream for lifecycle events (optional)
	RedisURL    string
	RedisStream string

	// Tracing (optional)
	OTLPEndpoint string

	// Webhooks
	WebhookSecret         string // provider deliveries
	ChainWebhookSecret    string // ledger deliveries
	WebhookSignatureAlgo  string // "sha256" or "sha1"
	WebhookMaxBodyBytes   int64
	WebhookRecoveryPeriod time.Duration
	WebhookRecoveryAfter  time.Duration

	// Ledger settings. An empty RPC URL selects the simulated ledger.
	ChainRPCURL           string
	ChainID               int64
	EscrowFactoryAddress  string
	ChainPrivateKey       string // Hex-encoded, with or without 0x
	ChainTimeout          time.Duration
	ChainBreakerThreshold int
	ChainBreakerCooldown  time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	StuckIntentAfter  time.Duration
}

// Base Sepolia defaults
const (
	DefaultChainID             = 84532 // Base Sepolia
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultSignatureAlgo       = "sha256"
	DefaultWebhookMaxBodyBytes = 1 << 20
	DefaultChainTimeout        = 30 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerCooldown     = 30 * time.Second
	DefaultReconcileInterval   = time.Minute
	DefaultStuckIntentAfter    = 2 * time.Minute
	DefaultRecoveryPeriod      = time.Minute
	DefaultRecoveryAfter       = 30 * time.Second
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
	DefaultRedisStream         = "escrow:events"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:        int(getEnvInt64("DB_MAX_IDLE_CONNS", 5)),
		DBConnMaxLifetime:     getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		APIKeys:               getEnvList("API_KEYS"),
		CORSAllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		RedisURL:              os.Getenv("REDIS_URL"),
		RedisStream:           getEnv("REDIS_STREAM", DefaultRedisStream),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		ChainWebhookSecret:    os.Getenv("CHAIN_WEBHOOK_SECRET"),
		WebhookSignatureAlgo:  strings.ToLower(getEnv("WEBHOOK_SIGNATURE_ALGO", DefaultSignatureAlgo)),
		WebhookMaxBodyBytes:   getEnvInt64("WEBHOOK_MAX_BODY_BYTES", DefaultWebhookMaxBodyBytes),
		WebhookRecoveryPeriod: getEnvDuration("WEBHOOK_RECOVERY_INTERVAL", DefaultRecoveryPeriod),
		WebhookRecoveryAfter:  getEnvDuration("WEBHOOK_RECOVERY_AFTER", DefaultRecoveryAfter),
		ChainRPCURL:           os.Getenv("CHAIN_RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowFactoryAddress:  os.Getenv("ESCROW_FACTORY_ADDRESS"),
		ChainPrivateKey:       os.Getenv("CHAIN_PRIVATE_KEY"),
		ChainTimeout:          getEnvDuration("CHAIN_TIMEOUT", DefaultChainTimeout),
		ChainBreakerThreshold: int(getEnvInt64("CHAIN_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		ChainBreakerCooldown:  getEnvDuration("CHAIN_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StuckIntentAfter:      getEnvDuration("STUCK_INTENT_AFTER", DefaultStuckIntentAfter),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.WebhookSignatureAlgo {
	case "sha256", "sha1":
	default:
		return fmt.Errorf("WEBHOOK_SIGNATURE_ALGO must be sha256 or sha1")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.WebhookMaxBodyBytes <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be positive")
	}
	if c.ChainTimeout <= 0 {
		return fmt.Errorf("CHAIN_TIMEOUT must be positive")
	}
	if floor := chain.MinIntentTTL(c.ChainTimeout); c.StuckIntentAfter < floor {
		return fmt.Errorf("STUCK_INTENT_AFTER must be at least %s (twice CHAIN_TIMEOUT plus one receipt poll)", floor)
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}

	if c.UsesSimulatedChain() {
		if c.IsProduction() {
			return fmt.Errorf("CHAIN_RPC_URL is required in production")
		}
	} else {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.ChainPrivateKey, "0x")
		if key == "" {
			return fmt.Errorf("CHAIN_PRIVATE_KEY is required when CHAIN_RPC_URL is set")
		}
		if len(key) != 64 {
			return fmt.Errorf("CHAIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.EscrowFactoryAddress == "" {
			return fmt.Errorf("ESCROW_FACTORY_ADDRESS is required when CHAIN_RPC_URL is set")
		}
	}

	if c.IsProduction() {
		if c.WebhookSecret == "" || c.ChainWebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET and CHAIN_WEBHOOK_SECRET are required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("API_KEYS is required in production")
		}
	}

	return nil
}

// UsesSimulatedChain reports whether the in-process ledger double is used.
func (c *Config) UsesSimulatedChain() bool {
	return c.ChainRPCURL == ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
