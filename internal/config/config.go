// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Redis (optional, enables redis-backed cache and event bus)
	RedisURL string

	// KeyStore sealing
	MasterKeySecret string
	MasterKeySalt   string

	// ServiceKeySealed is the platform signing key in its sealed
	// iv:tag:ciphertext form. When empty a fresh key is generated at
	// boot, which invalidates signatures from previous runs.
	ServiceKeySealed string

	// Payment rail
	StripeAPIKey string

	// Mandates
	MandateDefaultTTL    time.Duration
	MandateMaxTTL        time.Duration
	AcceptLegacyMandates bool // honor migrated v1 tokens stamped org="legacy"

	// Delegations
	DelegationDefaultTTL time.Duration
	DelegationMaxDepth   int

	// Rate limiting
	RateLimitWindow   time.Duration
	RateLimitMaxSpend float64
	RateLimitMaxTxns  int

	// Anomaly detection
	AnomalyWindow             time.Duration
	AnomalyVelocityThreshold  float64 // transactions per minute
	AnomalySpendRateThreshold float64 // units per minute
	AnomalyAutoFreeze         bool

	// Semantic evaluation
	SemanticEnabled    bool
	SemanticThreshold  float64
	SemanticCacheTTL   time.Duration
	SemanticFailClosed bool
	SemanticAPIURL     string
	SemanticAPIKey     string
	SemanticModel      string

	// Audit
	AuditRetentionYears  int
	MerkleInterval       time.Duration
	RetentionSweepPeriod time.Duration

	// Kill switch
	GlobalFreezeEnabled bool

	// Observability
	OTLPEndpoint string

	// CORS
	AllowedOrigins []string
}

// Defaults per the authorization contract.
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultMandateTTL           = 5 * time.Minute
	DefaultMandateMaxTTL        = 15 * time.Minute
	DefaultDelegationTTL        = 24 * time.Hour
	DefaultDelegationMaxDepth   = 5
	DefaultRateLimitWindow      = time.Hour
	DefaultRateLimitMaxSpend    = 10000
	DefaultRateLimitMaxTxns     = 100
	DefaultAnomalyWindow        = 5 * time.Minute
	DefaultVelocityThreshold    = 5   // tx/min
	DefaultSpendRateThreshold   = 500 // units/min
	DefaultSemanticThreshold    = 0.7
	DefaultSemanticCacheTTL     = 5 * time.Minute
	DefaultAuditRetentionYears  = 7
	DefaultMerkleInterval       = time.Hour
	DefaultRetentionSweepPeriod = 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		MasterKeySecret:  os.Getenv("GUTHWINE_MASTER_KEY_SECRET"),
		MasterKeySalt:    os.Getenv("GUTHWINE_MASTER_KEY_SALT"),
		ServiceKeySealed: os.Getenv("GUTHWINE_SERVICE_KEY"),
		StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),

		MandateDefaultTTL:    getEnvDuration("GUTHWINE_MANDATE_TTL", DefaultMandateTTL),
		MandateMaxTTL:        getEnvDuration("GUTHWINE_MANDATE_MAX_TTL", DefaultMandateMaxTTL),
		AcceptLegacyMandates: getEnvBool("GUTHWINE_MANDATE_ACCEPT_LEGACY", false),

		DelegationDefaultTTL: getEnvDuration("GUTHWINE_DELEGATION_TTL", DefaultDelegationTTL),
		DelegationMaxDepth:   int(getEnvInt64("GUTHWINE_DELEGATION_MAX_DEPTH", DefaultDelegationMaxDepth)),

		RateLimitWindow:   getEnvDuration("GUTHWINE_RATELIMIT_WINDOW", DefaultRateLimitWindow),
		RateLimitMaxSpend: getEnvFloat("GUTHWINE_RATELIMIT_MAX_SPEND", DefaultRateLimitMaxSpend),
		RateLimitMaxTxns:  int(getEnvInt64("GUTHWINE_RATELIMIT_MAX_TXNS", DefaultRateLimitMaxTxns)),

		AnomalyWindow:             getEnvDuration("GUTHWINE_ANOMALY_WINDOW", DefaultAnomalyWindow),
		AnomalyVelocityThreshold:  getEnvFloat("GUTHWINE_ANOMALY_VELOCITY", DefaultVelocityThreshold),
		AnomalySpendRateThreshold: getEnvFloat("GUTHWINE_ANOMALY_SPEND_RATE", DefaultSpendRateThreshold),
		AnomalyAutoFreeze:         getEnvBool("GUTHWINE_ANOMALY_AUTOFREEZE", true),

		SemanticEnabled:    getEnvBool("GUTHWINE_SEMANTIC_ENABLED", false),
		SemanticThreshold:  getEnvFloat("GUTHWINE_SEMANTIC_THRESHOLD", DefaultSemanticThreshold),
		SemanticCacheTTL:   getEnvDuration("GUTHWINE_SEMANTIC_CACHE_TTL", DefaultSemanticCacheTTL),
		SemanticFailClosed: getEnvBool("GUTHWINE_SEMANTIC_FAIL_CLOSED", true),
		SemanticAPIURL:     os.Getenv("GUTHWINE_SEMANTIC_API_URL"),
		SemanticAPIKey:     os.Getenv("GUTHWINE_SEMANTIC_API_KEY"),
		SemanticModel:      getEnv("GUTHWINE_SEMANTIC_MODEL", "gpt-4o-mini"),

		AuditRetentionYears:  int(getEnvInt64("GUTHWINE_AUDIT_RETENTION_YEARS", DefaultAuditRetentionYears)),
		MerkleInterval:       getEnvDuration("GUTHWINE_AUDIT_MERKLE_INTERVAL", DefaultMerkleInterval),
		RetentionSweepPeriod: getEnvDuration("GUTHWINE_AUDIT_SWEEP_PERIOD", DefaultRetentionSweepPeriod),

		GlobalFreezeEnabled: getEnvBool("GUTHWINE_GLOBAL_FREEZE_ENABLED", true),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AllowedOrigins: strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.MasterKeySecret == "" {
		return fmt.Errorf("GUTHWINE_MASTER_KEY_SECRET is required")
	}
	if len(c.MasterKeySecret) < 16 {
		return fmt.Errorf("GUTHWINE_MASTER_KEY_SECRET must be at least 16 characters")
	}
	if c.MasterKeySalt == "" {
		return fmt.Errorf("GUTHWINE_MASTER_KEY_SALT is required")
	}
	if c.MandateDefaultTTL <= 0 || c.MandateDefaultTTL > c.MandateMaxTTL {
		return fmt.Errorf("mandate TTL %v must be positive and <= max TTL %v", c.MandateDefaultTTL, c.MandateMaxTTL)
	}
	if c.DelegationMaxDepth < 1 {
		return fmt.Errorf("GUTHWINE_DELEGATION_MAX_DEPTH must be at least 1")
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("GUTHWINE_SEMANTIC_THRESHOLD must be in [0,1]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds, matching the deployment manifests.
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}
