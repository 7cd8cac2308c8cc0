package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	postings []*Posting
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) UpsertAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendPosting(ctx context.Context, posting *Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *posting
	m.postings = append(m.postings, &cp)
	return nil
}

func (m *MemoryStore) ListPostings(ctx context.Context, accountID string, limit int) ([]*Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Posting
	// Newest first: walk the append-only log backwards
	for i := len(m.postings) - 1; i >= 0 && len(result) < limit; i-- {
		if m.postings[i].AccountID == accountID {
			cp := *m.postings[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
