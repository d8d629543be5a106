package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tollgatepay/server/pkg/paygate"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":8080",
			ReadTimeout:      Duration{Duration: 15 * time.Second},
			WriteTimeout:     Duration{Duration: 15 * time.Second},
			IdleTimeout:      Duration{Duration: 60 * time.Second},
			RateLimitEnabled: true,
			RateLimitPerIP:   60,
			RateLimitWindow:  Duration{Duration: time.Minute},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Gate: GateConfig{
			Realm:        "protected",
			Method:       "evm",
			Intent:       "charge",
			MaxAge:       Duration{Duration: 5 * time.Minute},
			ChallengeTTL: Duration{Duration: 5 * time.Minute},
			ReplayTTL:    Duration{Duration: 10 * time.Minute},
		},
		Chains: ChainsConfig{
			EVM: EVMChainConfig{
				Name: "mainnet",
			},
			Solana: SolanaChainConfig{
				RPCURL:     "https://api.mainnet-beta.solana.com",
				Commitment: "finalized",
			},
		},
		Journal: JournalConfig{
			Backend: "none",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			EVMRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: time.Minute},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.6,
				MinRequests:         10,
			},
			SolanaRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: time.Minute},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.6,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and decodes a YAML config file into the Config.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

// finalize validates the configuration and fills derived defaults.
// Invalid payment terms must fail startup, not surface as 500s later.
func (c *Config) finalize() error {
	switch c.Gate.Method {
	case "evm", "solana":
	default:
		return fmt.Errorf("gate.method must be \"evm\" or \"solana\", got %q", c.Gate.Method)
	}

	if !paygate.Intent(c.Gate.Intent).Valid() {
		return fmt.Errorf("gate.intent %q is not a known intent", c.Gate.Intent)
	}

	if c.Gate.Recipient == "" {
		return fmt.Errorf("gate.recipient is required")
	}
	if c.Gate.Token == "" {
		return fmt.Errorf("gate.token is required")
	}
	if _, err := paygate.ParseAmount(c.Gate.Amount); err != nil {
		return fmt.Errorf("gate.amount: %w", err)
	}

	if c.Gate.MaxAge.Duration <= 0 {
		return fmt.Errorf("gate.max_age must be positive")
	}
	if c.Gate.ReplayTTL.Duration <= 0 {
		return fmt.Errorf("gate.replay_ttl must be positive")
	}

	switch c.Gate.Method {
	case "evm":
		if c.Chains.EVM.RPCURL == "" {
			return fmt.Errorf("chains.evm.rpc_url is required when gate.method is evm")
		}
	case "solana":
		if c.Chains.Solana.RPCURL == "" {
			return fmt.Errorf("chains.solana.rpc_url is required when gate.method is solana")
		}
	}

	switch c.Chains.Solana.Commitment {
	case "", "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("chains.solana.commitment %q is not valid", c.Chains.Solana.Commitment)
	}

	switch c.Journal.Backend {
	case "none", "memory":
	case "postgres":
		if c.Journal.PostgresURL == "" {
			return fmt.Errorf("journal.postgres_url is required when journal.backend is postgres")
		}
	default:
		return fmt.Errorf("journal.backend %q is not valid (none, memory, postgres)", c.Journal.Backend)
	}

	if c.Server.RateLimitEnabled {
		if c.Server.RateLimitPerIP <= 0 {
			return fmt.Errorf("server.rate_limit_per_ip must be positive when rate limiting is enabled")
		}
		if c.Server.RateLimitWindow.Duration <= 0 {
			return fmt.Errorf("server.rate_limit_window must be positive when rate limiting is enabled")
		}
	}

	return nil
}
