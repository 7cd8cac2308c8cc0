package payments

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payment record store for demo/development
// mode. Two maps enforce both uniqueness axes: composite key and bare
// tx_hash.
type MemoryStore struct {
	byKey    map[string]*PaymentRecord // requestID + "\x00" + txHash
	byTxHash map[string]*PaymentRecord
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:    make(map[string]*PaymentRecord),
		byTxHash: make(map[string]*PaymentRecord),
	}
}

func compositeKey(requestID, txHash string) string {
	return requestID + "\x00" + txHash
}

func (m *MemoryStore) CreateRecord(ctx context.Context, record *PaymentRecord) (*InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[compositeKey(record.RequestID, record.TxHash)]; ok {
		cp := *existing
		return &InsertResult{OK: false, Conflict: ConflictRequestTx, Existing: &cp}, nil
	}
	if existing, ok := m.byTxHash[record.TxHash]; ok {
		cp := *existing
		return &InsertResult{OK: false, Conflict: ConflictTxHash, Existing: &cp}, nil
	}

	cp := *record
	m.byKey[compositeKey(record.RequestID, record.TxHash)] = &cp
	m.byTxHash[record.TxHash] = &cp
	return &InsertResult{OK: true}, nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, requestID, txHash string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.byKey[compositeKey(requestID, txHash)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *record
	return &cp, nil
}

func (m *MemoryStore) GetByTxHash(ctx context.Context, txHash string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.byTxHash[txHash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *record
	return &cp, nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, filter ListFilter) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*PaymentRecord
	for _, r := range m.byTxHash {
		if filter.RequestID != "" && r.RequestID != filter.RequestID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && r.VerifiedAt.Before(filter.Since) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VerifiedAt.After(result[j].VerifiedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
