package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an accepted settlement identifier stays spent.
// It covers the confirmation windows of the supported chains with room
// to spare; deployments override it through configuration.
const DefaultTTL = 10 * time.Minute

// Store enforces at-most-once use of settlement identifiers within a
// TTL window. Implementations must make the check-and-insert atomic:
// among N concurrent MarkUsed calls for the same fresh key, exactly one
// observes true.
type Store interface {
	// MarkUsed records key as spent if it is absent or expired and
	// returns true (first use). If key is present and unexpired it
	// returns false without touching the existing entry's expiry.
	MarkUsed(ctx context.Context, key string) bool
}

// Memory is the in-process Store. It is single-instance state: gates
// scaled across processes need a shared store implementing the same
// atomic contract.
type Memory struct {
	mu          sync.Mutex
	ttl         time.Duration
	expires     map[string]time.Time
	clock       func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemory creates an in-memory replay store. A non-positive ttl falls
// back to DefaultTTL. A background sweep reclaims expired entries so the
// map does not grow unboundedly; expiry is also checked on access, so a
// stale entry never denies a legitimate reuse.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:         ttl,
		expires:     make(map[string]time.Time),
		clock:       time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go m.cleanup()

	return m
}

// MarkUsed atomically checks and records key. See Store.
func (m *Memory) MarkUsed(ctx context.Context, key string) bool {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, exists := m.expires[key]; exists && now.Before(expiry) {
		// Replay attempt: the existing entry's TTL is untouched.
		return false
	}

	m.expires[key] = now.Add(m.ttl)
	return true
}

// cleanup periodically removes expired entries.
func (m *Memory) cleanup() {
	interval := m.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.clock()
			for key, expiry := range m.expires {
				if now.After(expiry) {
					delete(m.expires, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Stop gracefully shuts down the cleanup goroutine.
func (m *Memory) Stop() {
	close(m.stopCleanup)
	<-m.cleanupDone
}
