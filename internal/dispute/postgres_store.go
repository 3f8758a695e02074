package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists dispute records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, initiator_token, evidence_hashes,
			       resolution, split_bps, admin_sig, nonce, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *TradeDispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, initiator_token, evidence_hashes,
			resolution, split_bps, admin_sig, nonce, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.EscrowID, d.InitiatorToken, pq.Array(d.EvidenceHashes),
		d.Resolution, d.SplitBps, nullSig(d.AdminSig), nullSig(d.Nonce),
		d.CreatedAt, nullResolved(d.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return ErrDisputeExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*TradeDispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*TradeDispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *TradeDispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			resolution = $1, split_bps = $2, admin_sig = $3, nonce = $4,
			resolved_at = $5
		WHERE id = $6`,
		d.Resolution, d.SplitBps, nullSig(d.AdminSig), nullSig(d.Nonce),
		nullResolved(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userToken string, limit int) ([]*TradeDispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE initiator_token = $1
		ORDER BY created_at DESC
		LIMIT $2`, userToken, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TradeDispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type disputeScanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s disputeScanner) (*TradeDispute, error) {
	d := &TradeDispute{}
	var (
		evidence   pq.StringArray
		adminSig   sql.NullString
		nonce      sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.InitiatorToken, &evidence,
		&d.Resolution, &d.SplitBps, &adminSig, &nonce, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.EvidenceHashes = []string(evidence)
	d.AdminSig = adminSig.String
	d.Nonce = nonce.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func nullSig(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullResolved(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
