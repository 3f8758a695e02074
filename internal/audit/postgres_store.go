package audit

import (
	"context"
	"database/sql"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_events (id, kind, actor_token, escrow_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Kind, nullString(e.ActorToken), nullString(e.EscrowID),
		nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, kind string, limit int) ([]*Event, error) {
	query := `
		SELECT id, kind, actor_token, escrow_id, detail, created_at
		FROM security_events`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, kind, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var actorToken, escrowID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &actorToken, &escrowID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorToken = actorToken.String
		e.EscrowID = escrowID.String
		e.Detail = detail.String
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
