package idempotency

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists idempotency records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT key, method, path, status, content_type, body, created_at
		FROM idempotency_keys WHERE key = $1`, key)

	var r Record
	err := row.Scan(&r.Key, &r.Method, &r.Path, &r.Status, &r.ContentType, &r.Body, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) Save(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, status, content_type, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING`,
		r.Key, r.Method, r.Path, r.Status, r.ContentType, r.Body, r.CreatedAt,
	)
	return err
}
