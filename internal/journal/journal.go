// Package journal provides an append-only audit log of receipts the
// gate has issued. The journal records the server's own settlement
// decisions; it holds no blockchain state and is never consulted on the
// admission path.
package journal

import (
	"context"
	"sync"

	"github.com/tollgatepay/server/pkg/paygate"
)

// Journal records issued receipts.
type Journal interface {
	// Record appends a receipt. Journal failures must not block or
	// revoke an already-admitted request; callers log and continue.
	Record(ctx context.Context, receipt paygate.PaymentReceipt) error
}

// Nop is a Journal that discards receipts, for deployments without an
// audit requirement.
type Nop struct{}

func (Nop) Record(context.Context, paygate.PaymentReceipt) error { return nil }

// Memory is an in-process Journal, used in tests and single-binary runs.
type Memory struct {
	mu       sync.Mutex
	receipts []paygate.PaymentReceipt
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends the receipt.
func (m *Memory) Record(_ context.Context, receipt paygate.PaymentReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, receipt)
	return nil
}

// Receipts returns a copy of everything recorded so far.
func (m *Memory) Receipts() []paygate.PaymentReceipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]paygate.PaymentReceipt, len(m.receipts))
	copy(out, m.receipts)
	return out
}
