package escrow

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/xusdt/escrow-core/internal/treasury"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db         *sql.DB
	systemAddr string // System wallet row credited on settle
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, systemAddr string) *PostgresStore {
	return &PostgresStore{db: db, systemAddr: systemAddr}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, address, buyer_token, seller_token, buyer_addr, seller_addr,
			amount, min_amount, fee_percent, fee_amount, state,
			deposit_tx_hash, release_tx_hash, refund_tx_hash,
			created_at, updated_at, funded_at, resolved_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19
		)`,
		e.ID, e.Address, e.BuyerToken, e.SellerToken,
		nullString(e.BuyerAddr), nullString(e.SellerAddr),
		nullString(e.Amount), nullString(e.MinAmount),
		e.FeePercent, nullString(e.FeeAmount), string(e.State),
		nullString(e.DepositTxHash), nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		e.CreatedAt, e.UpdatedAt, nullTime(e.FundedAt), nullTime(e.ResolvedAt), e.Version,
	)
	return err
}

const escrowColumns = `id, address, buyer_token, seller_token, buyer_addr, seller_addr,
		       amount, min_amount, fee_percent, fee_amount, state,
		       deposit_tx_hash, release_tx_hash, refund_tx_hash,
		       created_at, updated_at, funded_at, resolved_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	err := p.update(ctx, p.db, e)
	return err
}

// updater is satisfied by both *sql.DB and *sql.Tx.
type updater interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// update writes all mutable columns guarded by the version column. A zero
// row count against an existing row means a concurrent writer won.
func (p *PostgresStore) update(ctx context.Context, db updater, e *Escrow) error {
	result, err := db.ExecContext(ctx, `
		UPDATE escrows SET
			buyer_addr = $1, seller_addr = $2, amount = $3, min_amount = $4,
			fee_amount = $5, state = $6,
			deposit_tx_hash = $7, release_tx_hash = $8, refund_tx_hash = $9,
			updated_at = $10, funded_at = $11, resolved_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		nullString(e.BuyerAddr), nullString(e.SellerAddr),
		nullString(e.Amount), nullString(e.MinAmount),
		nullString(e.FeeAmount), string(e.State),
		nullString(e.DepositTxHash), nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		e.UpdatedAt, nullTime(e.FundedAt), nullTime(e.ResolvedAt),
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, gerr := p.Get(ctx, e.ID); gerr != nil {
			return gerr
		}
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userToken string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_token = $1 OR seller_token = $1
		ORDER BY created_at DESC
		LIMIT $2`, userToken, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// Settle commits the terminal transition and the system wallet fee credit
// in one transaction.
func (p *PostgresStore) Settle(ctx context.Context, e *Escrow, fee *big.Int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.update(ctx, tx, e); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := treasury.CreditTx(ctx, tx, p.systemAddr, fee); err != nil {
			e.Version-- // Commit failed, restore the in-memory version
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		e.Version--
		return err
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		buyerAddr     sql.NullString
		sellerAddr    sql.NullString
		amount        sql.NullString
		minAmount     sql.NullString
		feeAmount     sql.NullString
		state         string
		depositTxHash sql.NullString
		releaseTxHash sql.NullString
		refundTxHash  sql.NullString
		fundedAt      sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.Address, &e.BuyerToken, &e.SellerToken, &buyerAddr, &sellerAddr,
		&amount, &minAmount, &e.FeePercent, &feeAmount, &state,
		&depositTxHash, &releaseTxHash, &refundTxHash,
		&e.CreatedAt, &e.UpdatedAt, &fundedAt, &resolvedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	e.BuyerAddr = buyerAddr.String
	e.SellerAddr = sellerAddr.String
	e.Amount = amount.String
	e.MinAmount = minAmount.String
	e.FeeAmount = feeAmount.String
	e.DepositTxHash = depositTxHash.String
	e.ReleaseTxHash = releaseTxHash.String
	e.RefundTxHash = refundTxHash.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
