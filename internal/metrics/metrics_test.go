package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveChallenge("premium")
	m.ObserveVerification("evm", "success", 50*time.Millisecond)
	m.ObserveReplayDenied()
	m.ObserveJournalWrite("memory", nil)
	m.ObserveJournalWrite("postgres", errors.New("down"))

	if got := testutil.ToFloat64(m.ChallengesTotal.WithLabelValues("premium")); got != 1 {
		t.Errorf("challenges = %v", got)
	}
	if got := testutil.ToFloat64(m.VerificationsTotal.WithLabelValues("evm", "success")); got != 1 {
		t.Errorf("verifications = %v", got)
	}
	if got := testutil.ToFloat64(m.ReplayDeniedTotal); got != 1 {
		t.Errorf("replay denied = %v", got)
	}
	if got := testutil.ToFloat64(m.JournalWritesTotal.WithLabelValues("postgres", "error")); got != 1 {
		t.Errorf("journal error writes = %v", got)
	}
}

func TestObserveRPCCallClassifiesErrors(t *testing.T) {
	tests := []struct {
		err       error
		errorType string
	}{
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("429 rate limit exceeded"), "rate_limit"},
		{errors.New("connection refused"), "connection"},
		{errors.New("transaction not found"), "not_found"},
		{errors.New("mystery"), "other"},
	}

	m := New(prometheus.NewRegistry())
	for _, tc := range tests {
		m.ObserveRPCCall("TransactionReceipt", "evm", time.Millisecond, tc.err)
		if got := testutil.ToFloat64(m.RPCErrorsTotal.WithLabelValues("TransactionReceipt", "evm", tc.errorType)); got != 1 {
			t.Errorf("error %q: %s count = %v, want 1", tc.err, tc.errorType, got)
		}
	}

	// Successful calls increment totals without touching error counters.
	m.ObserveRPCCall("HeaderByNumber", "evm", time.Millisecond, nil)
	if got := testutil.ToFloat64(m.RPCCallsTotal.WithLabelValues("HeaderByNumber", "evm")); got != 1 {
		t.Errorf("rpc calls = %v", got)
	}
}
