// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig configures one EVM chain. Tokens maps an uppercase symbol
// to its contract address; decimals default to 18 unless overridden in
// TOKEN_DECIMALS ("CUSD=18,USDC=6").
type ChainConfig struct {
	Name       string
	RPCURL     string
	ChainID    int64
	Tokens     map[string]string
	Decimals   map[string]int32
	PrivateKey string
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings. One chain from env; additional chains are
	// wired in deployment-specific bootstrap code.
	Chain ChainConfig

	// M-Pesa gateway settings
	MpesaBaseURL           string
	MpesaConsumerKey       string
	MpesaConsumerSecret    string
	MpesaShortCode         string
	MpesaPasskey           string
	MpesaInitiatorName     string
	MpesaInitiatorPassword string
	CallbackBaseURL        string // public base URL the gateway posts callbacks to

	// Rate converter
	RateTTL         time.Duration
	RateFallbackTTL time.Duration

	// Reconciliation
	StaleCompletedAfter time.Duration
	SweepInterval       time.Duration
	SweepWindow         time.Duration

	// Retry policy for external rail calls
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Treasury operator secrets: "ops-alice=secret1,ops-bob=secret2"
	TreasuryOperators map[string]string

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string
}

// Defaults for a Celo Alfajores development setup
const (
	DefaultRPCURL       = "https://alfajores-forno.celo-testnet.org"
	DefaultChainID      = 44787 // Celo Alfajores
	DefaultChainName    = "celo"
	DefaultCUSDContract = "0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1" // Alfajores cUSD
	DefaultMpesaBaseURL = "https://sandbox.safaricom.co.ke"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		Chain: ChainConfig{
			Name:       getEnv("CHAIN_NAME", DefaultChainName),
			RPCURL:     getEnv("RPC_URL", DefaultRPCURL),
			ChainID:    getEnvInt64("CHAIN_ID", DefaultChainID),
			Tokens:     parsePairs(getEnv("TOKEN_CONTRACTS", "CUSD="+DefaultCUSDContract)),
			Decimals:   parseDecimals(os.Getenv("TOKEN_DECIMALS")),
			PrivateKey: os.Getenv("PRIVATE_KEY"), // Required, no default
		},

		MpesaBaseURL:           getEnv("MPESA_BASE_URL", DefaultMpesaBaseURL),
		MpesaConsumerKey:       os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret:    os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortCode:         os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:           os.Getenv("MPESA_PASSKEY"),
		MpesaInitiatorName:     os.Getenv("MPESA_INITIATOR_NAME"),
		MpesaInitiatorPassword: os.Getenv("MPESA_INITIATOR_PASSWORD"),
		CallbackBaseURL:        os.Getenv("CALLBACK_BASE_URL"),

		RateTTL:         getEnvDuration("RATE_TTL", 2*time.Minute),
		RateFallbackTTL: getEnvDuration("RATE_FALLBACK_TTL", 15*time.Second),

		StaleCompletedAfter: getEnvDuration("STALE_COMPLETED_AFTER", 24*time.Hour),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepWindow:         getEnvDuration("SWEEP_WINDOW", 48*time.Hour),

		RetryMaxAttempts: int(getEnvInt64("RETRY_MAX_ATTEMPTS", 3)),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),

		TreasuryOperators: parsePairs(os.Getenv("TREASURY_OPERATORS")),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.Chain.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if len(c.Chain.Tokens) == 0 {
		return fmt.Errorf("TOKEN_CONTRACTS must list at least one token")
	}

	if c.StaleCompletedAfter <= 0 {
		return fmt.Errorf("STALE_COMPLETED_AFTER must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}

	if !c.IsDevelopment() {
		if c.MpesaConsumerKey == "" || c.MpesaConsumerSecret == "" {
			return fmt.Errorf("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required outside development")
		}
		if c.CallbackBaseURL == "" {
			return fmt.Errorf("CALLBACK_BASE_URL is required outside development")
		}
		if len(c.TreasuryOperators) < 2 {
			return fmt.Errorf("TREASURY_OPERATORS must list at least two operators outside development")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required outside development")
		}
	}

	return nil
}

// TokenDecimals returns the decimals for a token symbol, defaulting to 18.
func (c *ChainConfig) TokenDecimals(symbol string) int32 {
	if d, ok := c.Decimals[strings.ToUpper(symbol)]; ok {
		return d
	}
	return 18
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parsePairs parses "k1=v1,k2=v2" into a map with uppercase-insensitive
// keys preserved as given.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func parseDecimals(s string) map[string]int32 {
	out := make(map[string]int32)
	for k, v := range parsePairs(s) {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			out[strings.ToUpper(k)] = int32(n)
		}
	}
	return out
}
