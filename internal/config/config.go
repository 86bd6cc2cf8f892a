package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig
	Ledger  LedgerConfig
	Tracker TrackerConfig
	Trace   TraceConfig
	Log     LogConfig

	// SignerKey is the hex-encoded secp256k1 key that signs credit
	// entries submitted to the ledger.
	SignerKey string

	Chains []ChainConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LedgerConfig struct {
	URL string
}

type TrackerConfig struct {
	Interval time.Duration
}

// TraceConfig configures the OTLP trace exporter; an empty endpoint
// leaves tracing as a no-op.
type TraceConfig struct {
	Endpoint string
	Insecure bool
}

type LogConfig struct {
	Level  string
	Format string
}

// ChainConfig is one chain's entry in the chains YAML file.
type ChainConfig struct {
	ID             uint64              `yaml:"id"`
	RPCURL         string              `yaml:"rpcUrl"`
	FeeContract    string              `yaml:"feeContract"`
	DeployBlock    uint64              `yaml:"deployBlock"`
	Receiver       string              `yaml:"receiver"`
	BeaconURL      string              `yaml:"beaconUrl"`
	GenesisTime    uint64              `yaml:"genesisTime"`
	SecondsPerSlot uint64              `yaml:"secondsPerSlot"`
	DomainName     string              `yaml:"domainName"`
	DomainVersion  string              `yaml:"domainVersion"`
	InitialTokens  []string            `yaml:"initialTokens"`
	RateLimit      float64             `yaml:"rateLimit"`
	PriceSchedule  []PricePeriodConfig `yaml:"priceSchedule"`
}

// PricePeriodConfig quotes per-day token prices valid until a unix
// timestamp; validUntil 0 (or omitted) marks the open-ended period.
// Prices are decimal strings in the token's smallest unit.
type PricePeriodConfig struct {
	ValidUntil uint64            `yaml:"validUntil"`
	Prices     map[string]string `yaml:"prices"`
}

// Load reads the environment (a local .env is folded in if present) and
// the chains YAML file named by CHAINS_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("LISTEN_ADDR", ":8080"),
			ReadTimeout:  time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 15)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 30)) * time.Second,
		},
		Ledger: LedgerConfig{
			URL: getEnv("LEDGER_URL", ""),
		},
		Tracker: TrackerConfig{
			Interval: time.Duration(getEnvInt("TRACKER_INTERVAL_SEC", 12)) * time.Second,
		},
		Trace: TraceConfig{
			Endpoint: getEnv("OTLP_ENDPOINT", ""),
			Insecure: getEnv("OTLP_INSECURE", "true") == "true",
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		SignerKey: getEnv("SIGNER_KEY", ""),
	}

	chainsFile := getEnv("CHAINS_FILE", "chains.yaml")
	chains, err := loadChains(chainsFile)
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadChains(path string) ([]ChainConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	var doc struct {
		Chains []ChainConfig `yaml:"chains"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse chains file: %w", err)
	}
	return doc.Chains, nil
}

func (c *Config) validate() error {
	if c.Ledger.URL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}
	if c.SignerKey == "" {
		return fmt.Errorf("SIGNER_KEY is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for _, chain := range c.Chains {
		if err := chain.validate(); err != nil {
			return fmt.Errorf("chain %d: %w", chain.ID, err)
		}
		if _, dup := seen[chain.ID]; dup {
			return fmt.Errorf("chain %d configured twice", chain.ID)
		}
		seen[chain.ID] = struct{}{}
	}
	return nil
}

func (c ChainConfig) validate() error {
	if c.ID == 0 {
		return fmt.Errorf("id is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpcUrl is required")
	}
	if !common.IsHexAddress(c.FeeContract) {
		return fmt.Errorf("feeContract %q is not an address", c.FeeContract)
	}
	if !common.IsHexAddress(c.Receiver) {
		return fmt.Errorf("receiver %q is not an address", c.Receiver)
	}
	if c.BeaconURL == "" {
		return fmt.Errorf("beaconUrl is required")
	}
	if c.SecondsPerSlot == 0 {
		return fmt.Errorf("secondsPerSlot must be positive")
	}
	if c.DomainName == "" || c.DomainVersion == "" {
		return fmt.Errorf("domainName and domainVersion are required")
	}
	for _, token := range c.InitialTokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("initial token %q is not an address", token)
		}
	}
	open := 0
	for i, period := range c.PriceSchedule {
		if period.ValidUntil == 0 {
			open++
		}
		for token, amount := range period.Prices {
			if !common.IsHexAddress(token) {
				return fmt.Errorf("price period %d: token %q is not an address", i, token)
			}
			if _, ok := new(big.Int).SetString(amount, 10); !ok {
				return fmt.Errorf("price period %d: amount %q is not a decimal integer", i, amount)
			}
		}
	}
	if open > 1 {
		return fmt.Errorf("at most one open-ended price period is allowed")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
