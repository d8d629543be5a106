package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment gate.
type Metrics struct {
	// Gate metrics
	ChallengesTotal    *prometheus.CounterVec
	VerificationsTotal *prometheus.CounterVec
	ReplayDeniedTotal  prometheus.Counter
	VerifyDuration     *prometheus.HistogramVec

	// Chain RPC metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Receipt journal metrics
	JournalWritesTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_challenges_total",
				Help: "Total number of payment challenges issued",
			},
			[]string{"realm"},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_verifications_total",
				Help: "Total number of credential verifications by outcome",
			},
			[]string{"method", "outcome"},
		),
		ReplayDeniedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_replay_denied_total",
				Help: "Total number of settlements denied as replays",
			},
		),
		VerifyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_verify_duration_seconds",
				Help:    "Time taken to verify a payment credential (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rpc_calls_total",
				Help: "Total number of RPC calls to blockchain backends",
			},
			[]string{"method", "chain"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to blockchain backends",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "chain"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "chain", "error_type"},
		),

		JournalWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_journal_writes_total",
				Help: "Total number of receipt journal writes by status",
			},
			[]string{"backend", "status"},
		),
	}
}

// ObserveChallenge records an issued challenge.
func (m *Metrics) ObserveChallenge(realm string) {
	m.ChallengesTotal.WithLabelValues(realm).Inc()
}

// ObserveVerification records a credential verification outcome.
// outcome is "success" or the failure kind.
func (m *Metrics) ObserveVerification(method, outcome string, duration time.Duration) {
	m.VerificationsTotal.WithLabelValues(method, outcome).Inc()
	m.VerifyDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveReplayDenied records a settlement rejected as a replay.
func (m *Metrics) ObserveReplayDenied() {
	m.ReplayDeniedTotal.Inc()
}

// ObserveRPCCall records an RPC call to a blockchain backend.
func (m *Metrics) ObserveRPCCall(method, chain string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, chain).Inc()
	m.RPCCallDuration.WithLabelValues(method, chain).Observe(duration.Seconds())

	if err != nil {
		errorType := "other"
		errStr := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
			errorType = "timeout"
		case strings.Contains(errStr, "rate limit"):
			errorType = "rate_limit"
		case strings.Contains(errStr, "connection"):
			errorType = "connection"
		case strings.Contains(errStr, "not found"):
			errorType = "not_found"
		}
		m.RPCErrorsTotal.WithLabelValues(method, chain, errorType).Inc()
	}
}

// ObserveJournalWrite records a receipt journal write.
func (m *Metrics) ObserveJournalWrite(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JournalWritesTotal.WithLabelValues(backend, status).Inc()
}
