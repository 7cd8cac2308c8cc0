// Package ledger tracks account balances for escrow settlement.
//
// Accounts are keyed by an opaque id (an agent DID, or the reserved
// "platform" account that collects fees). Balances only ever change
// through AdjustBalance, an additive credit/debit that appends a journal
// posting per adjustment. Accounts are created lazily at zero on first
// reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/relay/internal/idgen"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/syncutil"
	"github.com/mbd888/relay/internal/usdc"
)

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrZeroAdjustment  = errors.New("ledger: adjustment delta must be non-zero")

	// ErrPostingLost reports that a balance update landed but the
	// journal posting did not. The credit itself happened; callers must
	// not re-apply it.
	ErrPostingLost = errors.New("ledger: balance updated but journal posting failed")
)

// PlatformAccount is the reserved account id that accumulates fees.
const PlatformAccount = "platform"

// Account is a ledger account balance.
type Account struct {
	ID        string    `json:"id"`
	Balance   float64   `json:"balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Posting is one append-only journal line. The account balance is the sum
// of its postings (modulo 6-decimal rounding applied per adjustment).
type Posting struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Delta     float64   `json:"delta"`
	Currency  string    `json:"currency"`
	Reference string    `json:"reference,omitempty"` // escrow request id, compensation job id, etc.
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and journal postings.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpsertAccount(ctx context.Context, account *Account) error
	ListAccounts(ctx context.Context, limit int) ([]*Account, error)
	AppendPosting(ctx context.Context, posting *Posting) error
	ListPostings(ctx context.Context, accountID string, limit int) ([]*Posting, error)
}

// Ledger manages balances through additive adjustments.
type Ledger struct {
	store Store
	locks syncutil.ShardedMutex // serializes read-modify-write per account
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// AdjustBalance applies an additive delta to an account, creating the
// account at zero if it does not exist. The resulting balance is rounded
// to 6 decimal places and a journal posting is appended.
func (l *Ledger) AdjustBalance(ctx context.Context, accountID string, delta float64, currency, reference string) (*Account, error) {
	if delta == 0 {
		return nil, ErrZeroAdjustment
	}

	unlock := l.locks.Lock(accountID)
	defer unlock()

	account, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		account = &Account{ID: accountID, Currency: currency}
	} else if err != nil {
		return nil, err
	}

	account.Balance = usdc.Round6(account.Balance + delta)
	if account.Currency == "" {
		account.Currency = currency
	}
	account.UpdatedAt = time.Now().UTC()

	if err := l.store.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}

	posting := &Posting{
		ID:        idgen.WithPrefix("jrn_"),
		AccountID: accountID,
		Delta:     usdc.Round6(delta),
		Currency:  currency,
		Reference: reference,
		CreatedAt: account.UpdatedAt,
	}
	if err := l.store.AppendPosting(ctx, posting); err != nil {
		// Balance already moved. Wrap in ErrPostingLost so callers can
		// tell this apart from a credit that never happened.
		return account, fmt.Errorf("%w: %v", ErrPostingLost, err)
	}
	metrics.LedgerPostingsTotal.Inc()

	return account, nil
}

// GetAccount returns an account. Unknown accounts read as zero balances
// rather than errors, matching lazy creation.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*Account, error) {
	account, err := l.store.GetAccount(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{ID: id, Balance: 0}, nil
	}
	return account, err
}

// ListAccounts returns up to limit accounts, most recently updated first.
func (l *Ledger) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListAccounts(ctx, limit)
}

// History returns up to limit journal postings for an account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Posting, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListPostings(ctx, accountID, limit)
}
