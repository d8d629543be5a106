package tollgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tollgatepay/server/internal/circuitbreaker"
	"github.com/tollgatepay/server/internal/config"
	"github.com/tollgatepay/server/internal/dbpool"
	"github.com/tollgatepay/server/internal/httpserver"
	"github.com/tollgatepay/server/internal/journal"
	"github.com/tollgatepay/server/internal/lifecycle"
	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/internal/replay"
	"github.com/tollgatepay/server/pkg/paygate"
	"github.com/tollgatepay/server/pkg/paygate/evm"
	solanaverifier "github.com/tollgatepay/server/pkg/paygate/solana"
)

// App wires the payment gate components for reuse or standalone serving.
type App struct {
	Config   *config.Config
	Gate     *paygate.Gate
	Verifier paygate.Verifier
	Replay   replay.Store
	Journal  journal.Journal

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	verifier  paygate.Verifier
	replay    replay.Store
	journal   journal.Journal
	router    chi.Router
	protected http.Handler
}

// WithVerifier injects a custom settlement verifier in place of the
// chain backends built from config.
func WithVerifier(v paygate.Verifier) Option {
	return func(o *options) {
		o.verifier = v
	}
}

// WithReplayStore sets a custom replay store, e.g. one shared across
// instances. The default is per-process in-memory.
func WithReplayStore(store replay.Store) Option {
	return func(o *options) {
		o.replay = store
	}
}

// WithJournal sets a custom receipt journal backend.
func WithJournal(j journal.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithProtected sets the handler served behind the gate. The default
// responds 200 with a plain body, which is only useful for smoke tests.
func WithProtected(h http.Handler) Option {
	return func(o *options) {
		o.protected = h
	}
}

// NewApp assembles the payment gate services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("tollgate: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tollgate",
		Environment: cfg.Logging.Environment,
	})

	if optState.replay != nil {
		app.Replay = optState.replay
	} else {
		store := replay.NewMemory(cfg.Gate.ReplayTTL.Duration)
		app.Replay = store
		app.resourceManager.Register("replay-store", func() error {
			store.Stop()
			return nil
		})
		log.Warn().
			Msg("tollgate: defaulting to in-memory replay store, settlements can be reused across instances")
	}

	if optState.verifier != nil {
		app.Verifier = optState.verifier
	} else {
		verifier, err := app.buildVerifier(appLogger)
		if err != nil {
			return nil, err
		}
		app.Verifier = verifier
	}

	gate, err := paygate.New(paygate.Config{
		Realm:        cfg.Gate.Realm,
		Method:       cfg.Gate.Method,
		Intent:       paygate.Intent(cfg.Gate.Intent),
		Recipient:    cfg.Gate.Recipient,
		Amount:       cfg.Gate.Amount,
		Token:        cfg.Gate.Token,
		Description:  cfg.Gate.Description,
		MaxAge:       cfg.Gate.MaxAge.Duration,
		ChallengeTTL: cfg.Gate.ChallengeTTL.Duration,
	}, app.Verifier, app.Replay)
	if err != nil {
		return nil, err
	}
	app.Gate = gate.WithMetrics(metricsCollector)

	if optState.journal != nil {
		app.Journal = optState.journal
	} else {
		jrnl, err := app.buildJournal()
		if err != nil {
			return nil, err
		}
		app.Journal = jrnl
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	protected := optState.protected
	if protected == nil {
		protected = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("paid content\n"))
		})
	}

	httpserver.ConfigureRouter(app.router, cfg, app.Gate, app.Journal, metricsCollector, appLogger, protected)

	return app, nil
}

// buildVerifier constructs the configured chain verifier, wrapped in a
// circuit breaker, and registers its RPC connection for cleanup.
func (a *App) buildVerifier(appLogger zerolog.Logger) (paygate.Verifier, error) {
	cfg := a.Config

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Enabled: cfg.CircuitBreaker.Enabled,
		EVMRPC: circuitbreaker.BreakerConfig{
			MaxRequests:         cfg.CircuitBreaker.EVMRPC.MaxRequests,
			Interval:            cfg.CircuitBreaker.EVMRPC.Interval.Duration,
			Timeout:             cfg.CircuitBreaker.EVMRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.CircuitBreaker.EVMRPC.ConsecutiveFailures,
			FailureRatio:        cfg.CircuitBreaker.EVMRPC.FailureRatio,
			MinRequests:         cfg.CircuitBreaker.EVMRPC.MinRequests,
		},
		SolanaRPC: circuitbreaker.BreakerConfig{
			MaxRequests:         cfg.CircuitBreaker.SolanaRPC.MaxRequests,
			Interval:            cfg.CircuitBreaker.SolanaRPC.Interval.Duration,
			Timeout:             cfg.CircuitBreaker.SolanaRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.CircuitBreaker.SolanaRPC.ConsecutiveFailures,
			FailureRatio:        cfg.CircuitBreaker.SolanaRPC.FailureRatio,
			MinRequests:         cfg.CircuitBreaker.SolanaRPC.MinRequests,
		},
		Logger: appLogger,
	})

	registry := paygate.NewRegistry(cfg.Gate.Method)

	if cfg.Chains.EVM.RPCURL != "" {
		verifier, err := evm.NewVerifier(cfg.Chains.EVM.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("tollgate: evm verifier: %w", err)
		}
		verifier.WithMetrics(a.metricsCollector, cfg.Chains.EVM.Name)
		a.resourceManager.Register("evm-verifier", func() error {
			verifier.Close()
			return nil
		})
		registry.Register(evm.Method, circuitbreaker.WrapVerifier(breakers, circuitbreaker.ServiceEVMRPC, verifier))
	}

	if cfg.Chains.Solana.RPCURL != "" {
		verifier, err := solanaverifier.NewVerifier(cfg.Chains.Solana.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("tollgate: solana verifier: %w", err)
		}
		verifier.WithCommitment(rpc.CommitmentType(cfg.Chains.Solana.Commitment)).
			WithMetrics(a.metricsCollector, "solana")
		a.resourceManager.Register("solana-verifier", verifier.Close)
		registry.Register(solanaverifier.Method, circuitbreaker.WrapVerifier(breakers, circuitbreaker.ServiceSolanaRPC, verifier))
	}

	return registry, nil
}

// buildJournal constructs the configured receipt journal backend.
func (a *App) buildJournal() (journal.Journal, error) {
	switch a.Config.Journal.Backend {
	case "", "none":
		return journal.Nop{}, nil
	case "memory":
		return journal.NewMemory(), nil
	case "postgres":
		pool, err := dbpool.NewSharedPool(a.Config.Journal.PostgresURL, dbpool.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("tollgate: postgres journal: %w", err)
		}
		jrnl, err := journal.NewPostgresWithDB(pool.DB())
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("tollgate: postgres journal: %w", err)
		}
		a.resourceManager.Register("journal-db-pool", pool.Close)
		return jrnl, nil
	default:
		return nil, fmt.Errorf("tollgate: unknown journal backend %q", a.Config.Journal.Backend)
	}
}

// Router returns the chi router with gate routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (RPC clients, stores).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the gate.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
