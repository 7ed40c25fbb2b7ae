package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// Sidechain (RSK) settings.
	RskRPCURL             string `envconfig:"FEDBTC_RSK_RPC_URL" required:"true"`
	BridgeContractAddress string `envconfig:"FEDBTC_BRIDGE_CONTRACT_ADDRESS" required:"true"`
	StartBlock            uint64 `envconfig:"FEDBTC_START_BLOCK" default:"0"`
	RequiredConfirmations uint64 `envconfig:"FEDBTC_REQUIRED_CONFIRMATIONS" default:"10"`
	ChainID               int64  `envconfig:"FEDBTC_RSK_CHAIN_ID" default:"31"`

	// Bitcoin settings.
	BitcoinNetwork     string `envconfig:"FEDBTC_BTC_NETWORK" default:"testnet"`
	BitcoinRPCURL      string `envconfig:"FEDBTC_BTC_RPC_URL" required:"true"`
	BitcoinRPCUser     string `envconfig:"FEDBTC_BTC_RPC_USER"`
	BitcoinRPCPassword string `envconfig:"FEDBTC_BTC_RPC_PASSWORD"`

	// Federation key material.
	MasterKeyFile      string `envconfig:"FEDBTC_MASTER_KEY_FILE" required:"true"`
	FederationXpubs    string `envconfig:"FEDBTC_FEDERATION_XPUBS" required:"true"` // comma-separated
	DerivationPath     string `envconfig:"FEDBTC_DERIVATION_PATH" default:"0/0/0"`
	NumRequiredSigners int    `envconfig:"FEDBTC_NUM_REQUIRED_SIGNERS" default:"2"`

	// Peer group.
	PeerEndpoints string `envconfig:"FEDBTC_PEERS"` // comma-separated host:port
	ListenPort    int    `envconfig:"FEDBTC_PORT" default:"4445"`

	// Storage.
	DBPath string `envconfig:"FEDBTC_DB_PATH" default:"./data/fedbtc.sqlite"`

	// Batching.
	MaxTransfersInBatch    int    `envconfig:"FEDBTC_MAX_TRANSFERS_IN_BATCH" default:"40"`
	MaxPassedBlocksInBatch uint64 `envconfig:"FEDBTC_MAX_PASSED_BLOCKS_IN_BATCH" default:"10"`

	// Replenisher.
	ReplenisherEnabled       bool   `envconfig:"FEDBTC_REPLENISHER_ENABLED" default:"false"`
	ReplenisherXpubs         string `envconfig:"FEDBTC_REPLENISHER_XPUBS"`
	ReplenishThresholdBTC    string `envconfig:"FEDBTC_REPLENISH_THRESHOLD" default:"1.0"`
	ReplenishMinAmountBTC    string `envconfig:"FEDBTC_REPLENISH_MIN_AMOUNT" default:"0.1"`
	ReplenishMaxAmountBTC    string `envconfig:"FEDBTC_REPLENISH_MAX_AMOUNT" default:"5.0"`
	ReplenishMaxPerPeriod    int    `envconfig:"FEDBTC_REPLENISH_MAX_PER_PERIOD" default:"3"`
	AlertBalanceThresholdBTC string `envconfig:"FEDBTC_ALERT_BALANCE_THRESHOLD" default:"0.5"`

	// Logging.
	LogLevel string `envconfig:"FEDBTC_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"FEDBTC_LOG_DIR" default:"./logs"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// godotenv does NOT override already-set env vars, so real environment
	// variables take precedence over .env values.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch c.BitcoinNetwork {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("%w: bitcoin network must be mainnet, testnet or regtest, got %q",
			ErrInvalidConfig, c.BitcoinNetwork)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.ListenPort)
	}
	if c.NumRequiredSigners < 1 {
		return fmt.Errorf("%w: num required signers must be >= 1, got %d",
			ErrInvalidConfig, c.NumRequiredSigners)
	}
	if len(c.Xpubs()) < c.NumRequiredSigners {
		return fmt.Errorf("%w: %d federation xpubs cannot satisfy %d required signers",
			ErrInvalidConfig, len(c.Xpubs()), c.NumRequiredSigners)
	}
	if c.MaxTransfersInBatch < 1 {
		return fmt.Errorf("%w: max transfers in batch must be >= 1, got %d",
			ErrInvalidConfig, c.MaxTransfersInBatch)
	}
	if c.ReplenisherEnabled && len(c.ReplenisherXpubSet()) == 0 {
		return fmt.Errorf("%w: replenisher enabled but no replenisher xpubs configured",
			ErrInvalidConfig)
	}
	return nil
}

// Xpubs returns the federation extended public keys as a slice.
func (c *Config) Xpubs() []string {
	return splitList(c.FederationXpubs)
}

// ReplenisherXpubSet returns the replenisher extended public keys as a slice.
func (c *Config) ReplenisherXpubSet() []string {
	return splitList(c.ReplenisherXpubs)
}

// Peers returns the configured peer endpoints as a slice.
func (c *Config) Peers() []string {
	return splitList(c.PeerEndpoints)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
