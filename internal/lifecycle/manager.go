package lifecycle

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager closes the gate's backends (RPC clients, replay store,
// journal pool) in one place on shutdown.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanup
}

type cleanup struct {
	name string
	fn   func() error
}

// NewManager creates an empty resource lifecycle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a cleanup to run when the manager closes. Cleanups run
// in reverse registration order, so dependents close before the
// resources they use.
func (m *Manager) Register(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// Close runs every registered cleanup in reverse order. All cleanups
// run even when some fail; the first error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.cleanups) - 1; i >= 0; i-- {
		c := m.cleanups[i]
		if err := c.fn(); err != nil {
			log.Error().
				Err(err).
				Str("resource", c.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.cleanups = m.cleanups[:0]

	return firstErr
}
