package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tollgatepay/server/pkg/paygate"
)

// Postgres is a Journal backed by PostgreSQL.
type Postgres struct {
	db     *sql.DB
	ownsDB bool
	table  string
}

// NewPostgres opens a connection to the given DSN and ensures the
// receipts table exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		// The Close() error is not actionable here; the connection
		// failure is the one worth reporting.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	j := &Postgres{db: db, ownsDB: true, table: "payment_receipts"}
	if err := j.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// NewPostgresWithDB wraps an existing connection pool.
func NewPostgresWithDB(db *sql.DB) (*Postgres, error) {
	j := &Postgres{db: db, table: "payment_receipts"}
	if err := j.createTable(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Postgres) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tx_hash     TEXT PRIMARY KEY,
			amount      TEXT NOT NULL,
			token       TEXT NOT NULL,
			payer       TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			settled_at  TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, j.table)
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create receipts table: %w", err)
	}
	return nil
}

// Record appends the receipt. A duplicate tx hash is left untouched:
// the first record of a settlement is the authoritative one.
func (j *Postgres) Record(ctx context.Context, receipt paygate.PaymentReceipt) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (tx_hash, amount, token, payer, recipient, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING`, j.table)
	_, err := j.db.ExecContext(ctx, query,
		receipt.TxHash,
		receipt.Amount,
		receipt.Token,
		receipt.Payer,
		receipt.Recipient,
		time.Unix(receipt.Timestamp, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	return nil
}

// Close releases the connection pool if this journal owns it.
func (j *Postgres) Close() error {
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}
