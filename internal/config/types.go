package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gate           GateConfig           `yaml:"gate"`
	Chains         ChainsConfig         `yaml:"chains"`
	Journal        JournalConfig        `yaml:"journal"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Rate limiting on the unauthenticated challenge surface.
	RateLimitEnabled bool     `yaml:"rate_limit_enabled"`
	RateLimitPerIP   int      `yaml:"rate_limit_per_ip"`
	RateLimitWindow  Duration `yaml:"rate_limit_window"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // production, staging, development
}

// GateConfig holds the payment terms the gate demands.
type GateConfig struct {
	Realm        string   `yaml:"realm"`
	Method       string   `yaml:"method"` // evm | solana
	Intent       string   `yaml:"intent"` // charge | subscription | authorize
	Recipient    string   `yaml:"recipient"`
	Amount       string   `yaml:"amount"` // base units
	Token        string   `yaml:"token"`
	Description  string   `yaml:"description"`
	MaxAge       Duration `yaml:"max_age"`
	ChallengeTTL Duration `yaml:"challenge_ttl"`
	ReplayTTL    Duration `yaml:"replay_ttl"`
}

// ChainsConfig holds chain RPC backend configuration.
type ChainsConfig struct {
	EVM    EVMChainConfig    `yaml:"evm"`
	Solana SolanaChainConfig `yaml:"solana"`
}

// EVMChainConfig configures the EVM verification backend.
type EVMChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
	Name   string `yaml:"name"` // metrics label, e.g. "base", "mainnet"
}

// SolanaChainConfig configures the Solana verification backend.
type SolanaChainConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	Commitment string `yaml:"commitment"` // processed | confirmed | finalized
}

// JournalConfig configures the receipt audit journal.
type JournalConfig struct {
	Backend     string `yaml:"backend"` // none | memory | postgres
	PostgresURL string `yaml:"postgres_url"`
}

// CircuitBreakerConfig holds circuit breaker settings per chain backend.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	EVMRPC    BreakerServiceConfig `yaml:"evm_rpc"`
	SolanaRPC BreakerServiceConfig `yaml:"solana_rpc"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
