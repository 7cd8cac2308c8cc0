package ledger

import (
	"context"
	"database/sql"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, balance, currency, updated_at
		FROM ledger_accounts
		WHERE id = $1`, id)

	a := &Account{}
	var currency sql.NullString
	err := row.Scan(&a.ID, &a.Balance, &currency, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Currency = currency.String
	return a, nil
}

func (p *PostgresStore) UpsertAccount(ctx context.Context, account *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, balance, currency, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at`,
		account.ID, account.Balance, nullString(account.Currency), account.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, balance, currency, updated_at
		FROM ledger_accounts
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a := &Account{}
		var currency sql.NullString
		if err := rows.Scan(&a.ID, &a.Balance, &currency, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Currency = currency.String
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendPosting(ctx context.Context, posting *Posting) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_postings (id, account_id, delta, currency, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		posting.ID, posting.AccountID, posting.Delta,
		nullString(posting.Currency), nullString(posting.Reference), posting.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListPostings(ctx context.Context, accountID string, limit int) ([]*Posting, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, delta, currency, reference, created_at
		FROM ledger_postings
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Posting
	for rows.Next() {
		e := &Posting{}
		var currency, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &currency, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Currency = currency.String
		e.Reference = reference.String
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
