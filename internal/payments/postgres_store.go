package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists payment records in PostgreSQL. Uniqueness is
// enforced by database constraints; a unique violation is translated
// into a conflict result carrying the existing row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `request_id, tx_hash, chain, token, status, mode, confirmations,
		amount, amount_units, payer, payee, block_number, escrow_contract, verified_at`

func (p *PostgresStore) CreateRecord(ctx context.Context, r *PaymentRecord) (*InsertResult, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.RequestID, r.TxHash, r.Chain, r.Token, r.Status, nullString(r.Mode),
		r.Confirmations, r.Amount, r.AmountUnits,
		nullString(r.Payer), nullString(r.Payee), r.BlockNumber,
		nullString(r.EscrowContract), r.VerifiedAt,
	)
	if err == nil {
		return &InsertResult{OK: true}, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil, err
	}

	// Unique violation: figure out which axis and fetch the winner.
	if pqErr.Constraint == "payment_records_tx_hash_key" {
		existing, getErr := p.GetByTxHash(ctx, r.TxHash)
		if getErr != nil {
			return nil, fmt.Errorf("fetch conflicting record: %w", getErr)
		}
		conflict := ConflictTxHash
		if existing.RequestID == r.RequestID {
			conflict = ConflictRequestTx
		}
		return &InsertResult{OK: false, Conflict: conflict, Existing: existing}, nil
	}

	existing, getErr := p.GetRecord(ctx, r.RequestID, r.TxHash)
	if getErr != nil {
		return nil, fmt.Errorf("fetch conflicting record: %w", getErr)
	}
	return &InsertResult{OK: false, Conflict: ConflictRequestTx, Existing: existing}, nil
}

func (p *PostgresStore) GetRecord(ctx context.Context, requestID, txHash string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM payment_records
		WHERE request_id = $1 AND tx_hash = $2`, requestID, txHash)
	return scanRecord(row)
}

func (p *PostgresStore) GetByTxHash(ctx context.Context, txHash string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM payment_records
		WHERE tx_hash = $1`, txHash)
	return scanRecord(row)
}

func (p *PostgresStore) ListRecords(ctx context.Context, filter ListFilter) ([]*PaymentRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + recordColumns + ` FROM payment_records WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.RequestID != "" {
		query += fmt.Sprintf(" AND request_id = $%d", idx)
		args = append(args, filter.RequestID)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND verified_at >= $%d", idx)
		args = append(args, filter.Since)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY verified_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRecord
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

func scanRecord(s scanner) (*PaymentRecord, error) {
	r := &PaymentRecord{}
	var mode, payer, payee, escrowContract sql.NullString
	err := s.Scan(
		&r.RequestID, &r.TxHash, &r.Chain, &r.Token, &r.Status, &mode,
		&r.Confirmations, &r.Amount, &r.AmountUnits,
		&payer, &payee, &r.BlockNumber, &escrowContract, &r.VerifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Mode = mode.String
	r.Payer = payer.String
	r.Payee = payee.String
	r.EscrowContract = escrowContract.String
	return r, nil
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
