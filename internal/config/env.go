package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use TOLLGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "TOLLGATE_SERVER_ADDRESS")
	setBoolIfEnv(&c.Server.RateLimitEnabled, "TOLLGATE_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.Server.RateLimitPerIP, "TOLLGATE_RATE_LIMIT_PER_IP")
	setDurationIfEnv(&c.Server.RateLimitWindow, "TOLLGATE_RATE_LIMIT_WINDOW")
	if v := os.Getenv("TOLLGATE_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "TOLLGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TOLLGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TOLLGATE_ENVIRONMENT")

	// Gate config
	setIfEnv(&c.Gate.Realm, "TOLLGATE_GATE_REALM")
	setIfEnv(&c.Gate.Method, "TOLLGATE_GATE_METHOD")
	setIfEnv(&c.Gate.Intent, "TOLLGATE_GATE_INTENT")
	setIfEnv(&c.Gate.Recipient, "TOLLGATE_GATE_RECIPIENT")
	setIfEnv(&c.Gate.Amount, "TOLLGATE_GATE_AMOUNT")
	setIfEnv(&c.Gate.Token, "TOLLGATE_GATE_TOKEN")
	setIfEnv(&c.Gate.Description, "TOLLGATE_GATE_DESCRIPTION")
	setDurationIfEnv(&c.Gate.MaxAge, "TOLLGATE_GATE_MAX_AGE")
	setDurationIfEnv(&c.Gate.ChallengeTTL, "TOLLGATE_GATE_CHALLENGE_TTL")
	setDurationIfEnv(&c.Gate.ReplayTTL, "TOLLGATE_GATE_REPLAY_TTL")

	// Chain backends
	setIfEnv(&c.Chains.EVM.RPCURL, "TOLLGATE_EVM_RPC_URL")
	setIfEnv(&c.Chains.EVM.Name, "TOLLGATE_EVM_CHAIN_NAME")
	setIfEnv(&c.Chains.Solana.RPCURL, "TOLLGATE_SOLANA_RPC_URL")
	setIfEnv(&c.Chains.Solana.Commitment, "TOLLGATE_SOLANA_COMMITMENT")

	// Journal config
	setIfEnv(&c.Journal.Backend, "TOLLGATE_JOURNAL_BACKEND")
	setIfEnv(&c.Journal.PostgresURL, "TOLLGATE_JOURNAL_POSTGRES_URL")

	// Circuit breaker
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "TOLLGATE_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets target to the env var value if the env var is set and non-empty.
func setIfEnv(target *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*target = v
	}
}

// setBoolIfEnv sets target to true/false if the env var is set to a recognized value.
func setBoolIfEnv(target *bool, envVar string) {
	v := strings.ToLower(os.Getenv(envVar))
	switch v {
	case "true", "1", "yes":
		*target = true
	case "false", "0", "no":
		*target = false
	}
}

// setIntIfEnv sets target if the env var parses as an integer.
func setIntIfEnv(target *int, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets target if the env var parses as a time.Duration.
func setDurationIfEnv(target *Duration, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: d}
		}
	}
}

// splitAndTrim splits a comma separated list and trims whitespace from each entry.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
