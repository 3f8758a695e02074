package treasury

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/xusdt/escrow-core/internal/usdt"
)

// PostgresStore persists system wallet state in PostgreSQL.
// The table holds a single row per wallet address.
type PostgresStore struct {
	db      *sql.DB
	address string
}

// NewPostgresStore creates a PostgreSQL-backed system wallet store.
func NewPostgresStore(db *sql.DB, address string) *PostgresStore {
	return &PostgresStore{db: db, address: address}
}

// EnsureWallet inserts the wallet row if it does not exist yet.
func (p *PostgresStore) EnsureWallet(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO system_wallet (address, current_balance, collected_fees, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (address) DO NOTHING`, p.address)
	return err
}

func (p *PostgresStore) Get(ctx context.Context) (*SystemWallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, current_balance::TEXT, collected_fees::TEXT, last_swept_at, updated_at
		FROM system_wallet WHERE address = $1`, p.address)

	w := &SystemWallet{}
	var lastSweptAt sql.NullTime
	err := row.Scan(&w.Address, &w.CurrentBalance, &w.CollectedFees, &lastSweptAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSweptAt.Valid {
		w.LastSweptAt = &lastSweptAt.Time
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, amount *big.Int) error {
	return CreditTx(ctx, p.db, p.address, amount)
}

func (p *PostgresStore) MarkSwept(ctx context.Context, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE system_wallet
		SET current_balance = 0, last_swept_at = $1, updated_at = NOW()
		WHERE address = $2`, at, p.address)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreditTx credits the system wallet through an arbitrary executor so the
// escrow store can run it inside the settle transaction.
func CreditTx(ctx context.Context, db execer, address string, amount *big.Int) error {
	result, err := db.ExecContext(ctx, `
		UPDATE system_wallet
		SET current_balance = current_balance + $1::NUMERIC(20,6),
		    collected_fees = collected_fees + $1::NUMERIC(20,6),
		    updated_at = NOW()
		WHERE address = $2`, usdt.Format(amount), address)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
