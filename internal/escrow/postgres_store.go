package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `request_id, payer, payee, amount, currency, fee_bps,
		       status, resolution, fee, payout, held_at, released_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.RequestID, e.Payer, e.Payee, e.Amount, e.Currency, e.FeeBps,
		string(e.Status), nullString(e.Resolution), e.Fee, e.Payout,
		e.HeldAt, nullTime(e.ReleasedAt), e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE request_id = $1`, requestID)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = $2, resolution = $3, fee = $4, payout = $5,
		    released_at = $6, updated_at = $7
		WHERE request_id = $1`,
		e.RequestID, string(e.Status), nullString(e.Resolution),
		e.Fee, e.Payout, nullTime(e.ReleasedAt), e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY held_at DESC LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY held_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (p *PostgresStore) AppendSettlement(ctx context.Context, s *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (id, request_id, kind, payer, payee, amount, fee, payout, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8::NUMERIC(20,6), $9, $10)`,
		s.ID, s.RequestID, s.Kind, s.Payer, s.Payee, s.Amount, s.Fee, s.Payout, s.Currency, s.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListSettlements(ctx context.Context, requestID string) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, kind, payer, payee, amount, fee, payout, currency, created_at
		FROM settlements WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Settlement
	for rows.Next() {
		s := &Settlement{}
		if err := rows.Scan(&s.ID, &s.RequestID, &s.Kind, &s.Payer, &s.Payee,
			&s.Amount, &s.Fee, &s.Payout, &s.Currency, &s.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateJob(ctx context.Context, job *CompensationJob) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO compensation_jobs (id, request_id, account_id, delta, currency, reason, attempts, last_error, created_at, completed_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)`,
		job.ID, job.RequestID, job.AccountID, job.Delta, job.Currency, job.Reason,
		job.Attempts, nullString(job.LastError), job.CreatedAt, nullTime(job.CompletedAt),
	)
	return err
}

func (p *PostgresStore) ListPendingJobs(ctx context.Context, limit int) ([]*CompensationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, account_id, delta, currency, reason, attempts, last_error, created_at, completed_at
		FROM compensation_jobs WHERE completed_at IS NULL
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CompensationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateJob(ctx context.Context, job *CompensationJob) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE compensation_jobs
		SET attempts = $2, last_error = $3, completed_at = $4
		WHERE id = $1`,
		job.ID, job.Attempts, nullString(job.LastError), nullTime(job.CompletedAt),
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var status string
	var resolution sql.NullString
	var releasedAt sql.NullTime
	err := s.Scan(
		&e.RequestID, &e.Payer, &e.Payee, &e.Amount, &e.Currency, &e.FeeBps,
		&status, &resolution, &e.Fee, &e.Payout,
		&e.HeldAt, &releasedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Resolution = resolution.String
	if releasedAt.Valid {
		t := releasedAt.Time
		e.ReleasedAt = &t
	}
	return e, nil
}

func scanJob(s scanner) (*CompensationJob, error) {
	job := &CompensationJob{}
	var lastError sql.NullString
	var completedAt sql.NullTime
	err := s.Scan(
		&job.ID, &job.RequestID, &job.AccountID, &job.Delta, &job.Currency,
		&job.Reason, &job.Attempts, &lastError, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
