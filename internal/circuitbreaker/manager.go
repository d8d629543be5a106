package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies external chain backends for circuit breaker
// isolation. Each backend has its own breaker so an EVM RPC outage
// cannot trip verification on Solana, and vice versa.
type ServiceType string

const (
	ServiceEVMRPC    ServiceType = "evm_rpc"
	ServiceSolanaRPC ServiceType = "solana_rpc"
)

// Manager manages circuit breakers for the chain backends.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all backends.
type Config struct {
	Enabled   bool
	EVMRPC    BreakerConfig
	SolanaRPC BreakerConfig
	Logger    zerolog.Logger
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open. Default: 1.
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before half-open.
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio over a
	// minimum request count.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceEVMRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceEVMRPC), cfg.EVMRPC, cfg.Logger))
	m.breakers[ServiceSolanaRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceSolanaRPC), cfg.SolanaRPC, cfg.Logger))

	return m
}

// ErrOpen is returned when a breaker refuses a call.
var ErrOpen = errors.New("circuit breaker open")

// Execute wraps fn with circuit breaker protection. With breakers
// disabled or the service unconfigured, fn runs directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}

	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}

	out, err := breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, ErrOpen
	}
	return out, err
}

// State returns the current state of a circuit breaker.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func toGobreakerSettings(name string, cfg BreakerConfig, log zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			// Clean protocol verdicts (insufficient, expired, replay)
			// are not backend failures.
			var be *backendError
			return err == nil || !errors.As(err, &be)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker.state_change")
		},
	}
}

// DefaultConfig returns sensible defaults for both backends.
func DefaultConfig() Config {
	backend := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:   true,
		EVMRPC:    backend,
		SolanaRPC: backend,
	}
}
