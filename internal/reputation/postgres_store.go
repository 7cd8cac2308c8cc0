package reputation

import (
	"context"
	"database/sql"
)

// PostgresStore persists reputation records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `did, total_orders, success_orders, on_time_orders, ratings,
		positive_ratings, avg_response_ms, disputes, score, tier, updated_at`

func (p *PostgresStore) Get(ctx context.Context, did string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM reputations WHERE did = $1`, did)
	return scanRecord(row)
}

func (p *PostgresStore) Upsert(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputations (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (did) DO UPDATE SET
			total_orders = EXCLUDED.total_orders,
			success_orders = EXCLUDED.success_orders,
			on_time_orders = EXCLUDED.on_time_orders,
			ratings = EXCLUDED.ratings,
			positive_ratings = EXCLUDED.positive_ratings,
			avg_response_ms = EXCLUDED.avg_response_ms,
			disputes = EXCLUDED.disputes,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			updated_at = EXCLUDED.updated_at`,
		r.DID, r.TotalOrders, r.SuccessOrders, r.OnTimeOrders, r.Ratings,
		r.PositiveRatings, r.AvgResponseMs, r.Disputes, r.Score, string(r.Tier), r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM reputations
		ORDER BY score DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var tier string
	err := s.Scan(
		&r.DID, &r.TotalOrders, &r.SuccessOrders, &r.OnTimeOrders, &r.Ratings,
		&r.PositiveRatings, &r.AvgResponseMs, &r.Disputes, &r.Score, &tier, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Tier = Tier(tier)
	return r, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
