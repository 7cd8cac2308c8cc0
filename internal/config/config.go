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

// ChainConfig holds per-chain blockchain settings.
type ChainConfig struct {
	RPCURL         string
	ChainID        int64
	USDCContract   string
	EscrowContract string
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings, keyed by chain name ("base", "base-sepolia", "ethereum")
	Chains       map[string]ChainConfig
	DefaultChain string

	// Minimum confirmation depth before a transfer counts as settled
	MinConfirmations map[string]int // token symbol -> depth

	// Relay settings
	RequirePaymentOnAccept bool
	RingCapacity           int
	AgentTTL               time.Duration
	LongPollMax            time.Duration

	// Escrow settings
	DefaultFeeBps int

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
	DefaultRingCapacity = 1000
	DefaultFeeBps       = 250
	DefaultAgentTTL     = 5 * time.Minute
	DefaultLongPollMax  = 60 * time.Second
)

// knownChains are the chains the relay can verify payments on out of the box.
// RPC_URL_<CHAIN>, USDC_CONTRACT_<CHAIN> and ESCROW_CONTRACT_<CHAIN> override
// any of these per chain (chain name upper-cased, dashes replaced with
// underscores, e.g. RPC_URL_BASE_SEPOLIA).
var knownChains = map[string]ChainConfig{
	"base": {
		RPCURL:       "https://mainnet.base.org",
		ChainID:      8453,
		USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	},
	"base-sepolia": {
		RPCURL:       "https://sepolia.base.org",
		ChainID:      84532,
		USDCContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	},
	"ethereum": {
		RPCURL:       "https://eth.llamarpc.com",
		ChainID:      1,
		USDCContract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	},
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultChain:           getEnv("DEFAULT_CHAIN", "base-sepolia"),
		RequirePaymentOnAccept: getEnvBool("REQUIRE_PAYMENT_ON_ACCEPT", false),
		RingCapacity:           int(getEnvInt64("RING_CAPACITY", DefaultRingCapacity)),
		AgentTTL:               getEnvDuration("AGENT_TTL", DefaultAgentTTL),
		LongPollMax:            getEnvDuration("LONG_POLL_MAX", DefaultLongPollMax),
		DefaultFeeBps:          int(getEnvInt64("DEFAULT_FEE_BPS", DefaultFeeBps)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		MinConfirmations: map[string]int{
			"USDC": int(getEnvInt64("MIN_CONFIRMATIONS_USDC", 2)),
			"ETH":  int(getEnvInt64("MIN_CONFIRMATIONS_ETH", 2)),
		},
	}

	cfg.Chains = make(map[string]ChainConfig, len(knownChains))
	for name, base := range knownChains {
		suffix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		cc := base
		cc.RPCURL = getEnv("RPC_URL_"+suffix, base.RPCURL)
		cc.USDCContract = getEnv("USDC_CONTRACT_"+suffix, base.USDCContract)
		cc.EscrowContract = os.Getenv("ESCROW_CONTRACT_" + suffix)
		cfg.Chains[name] = cc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, ok := c.Chains[c.DefaultChain]; !ok {
		return fmt.Errorf("DEFAULT_CHAIN %q is not a configured chain", c.DefaultChain)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("RING_CAPACITY must be positive")
	}
	if c.DefaultFeeBps < 0 || c.DefaultFeeBps > 10000 {
		return fmt.Errorf("DEFAULT_FEE_BPS must be between 0 and 10000")
	}
	if c.LongPollMax <= 0 || c.LongPollMax > DefaultLongPollMax {
		c.LongPollMax = DefaultLongPollMax
	}
	return nil
}

// Chain returns the configuration for a chain, defaulting when name is empty.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	if name == "" {
		name = c.DefaultChain
	}
	cc, ok := c.Chains[name]
	return cc, ok
}

// MinConfirmationsFor returns the confirmation threshold for a token symbol.
func (c *Config) MinConfirmationsFor(token string) int {
	if n, ok := c.MinConfirmations[strings.ToUpper(token)]; ok {
		return n
	}
	return 2
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
