// Package dbpool manages a shared PostgreSQL connection pool so the
// journal and any future stores reuse one set of connections.
package dbpool

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PoolConfig bounds the shared connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig is sized for a single gate process talking to a
// nearby database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// SharedPool wraps a single *sql.DB for use by multiple stores.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a PostgreSQL pool with the given limits.
func NewSharedPool(connectionString string, cfg PoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying pool.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the pool. Safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
