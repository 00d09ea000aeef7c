// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// External ledger (chain custody)
	RPCURL          string
	ChainID         int64
	TokenSymbol     string // Symbol of the traded token (e.g. "WBTC")
	TokenContract   string // ERC-20 contract address of the traded token
	PlatformAddress string // Custodial hot wallet address
	PrivateKey      string // Hex-encoded hot wallet key, no 0x prefix (optional; ledger-only mode if unset)

	// Trade lifecycle
	PaymentWindow  time.Duration // Time the buyer has to send fiat payment
	TradeTimeLimit time.Duration // Overall non-terminal trade expiry
	OrderTTL       time.Duration // Standing order lifetime

	// Dispute workflow
	EscalationAfter   time.Duration // SLA before a dispute auto-escalates
	AppealWindow      time.Duration // Period after resolution during which an appeal is possible
	MaxModeratorLoad  int           // Max concurrent disputes per moderator
	UrgentAmount      string        // Trade value at or above which priority is urgent
	HighAmount        string        // Trade value at or above which priority is high
	MediumAmount      string        // Trade value at or above which priority is medium

	// Reconciliation / cleanup
	CleanupInterval   time.Duration
	CleanupDelay      time.Duration // Initial delay after startup
	OrphanGrace       time.Duration // Age before an unreferenced lock is considered orphaned
	OrderEscrowGrace  time.Duration // Age before a cancelled order's lock is force-refunded
	DriftEpsilon      string        // Allowed |ledger - chain| difference before correction

	// Notifications
	WebhookSecret string

	// Tracing
	OTLPEndpoint string

	// Security
	AdminSecret string
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultTokenSymbol  = "WBTC"
	DefaultRateLimit    = 100
	DefaultUrgentAmount = "1.0"
	DefaultHighAmount   = "0.25"
	DefaultMediumAmount = "0.05"
	DefaultDriftEpsilon = "0.00001"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenSymbol:     getEnv("TOKEN_SYMBOL", DefaultTokenSymbol),
		TokenContract:   os.Getenv("TOKEN_CONTRACT"),
		PlatformAddress: os.Getenv("PLATFORM_ADDRESS"),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),

		PaymentWindow:  getEnvDuration("PAYMENT_WINDOW", 30*time.Minute),
		TradeTimeLimit: getEnvDuration("TRADE_TIME_LIMIT", 2*time.Hour),
		OrderTTL:       getEnvDuration("ORDER_TTL", 72*time.Hour),

		EscalationAfter:  getEnvDuration("DISPUTE_ESCALATION_AFTER", 24*time.Hour),
		AppealWindow:     getEnvDuration("DISPUTE_APPEAL_WINDOW", 72*time.Hour),
		MaxModeratorLoad: int(getEnvInt64("MAX_MODERATOR_LOAD", 5)),
		UrgentAmount:     getEnv("PRIORITY_URGENT_AMOUNT", DefaultUrgentAmount),
		HighAmount:       getEnv("PRIORITY_HIGH_AMOUNT", DefaultHighAmount),
		MediumAmount:     getEnv("PRIORITY_MEDIUM_AMOUNT", DefaultMediumAmount),

		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		CleanupDelay:     getEnvDuration("CLEANUP_DELAY", 5*time.Minute),
		OrphanGrace:      getEnvDuration("ORPHAN_GRACE", 24*time.Hour),
		OrderEscrowGrace: getEnvDuration("ORDER_ESCROW_GRACE", time.Hour),
		DriftEpsilon:     getEnv("DRIFT_EPSILON", DefaultDriftEpsilon),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive")
	}
	if c.TradeTimeLimit < c.PaymentWindow {
		return fmt.Errorf("TRADE_TIME_LIMIT must be at least PAYMENT_WINDOW")
	}
	if c.MaxModeratorLoad <= 0 {
		return fmt.Errorf("MAX_MODERATOR_LOAD must be positive")
	}

	// Chain custody is optional: with no private key the ledger settles
	// internally and reconciliation runs against a read-only balance query.
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required when PRIVATE_KEY is set")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ChainEnabled reports whether the external ledger leg is configured.
func (c *Config) ChainEnabled() bool {
	return c.PrivateKey != "" && c.TokenContract != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
