package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a stored response can be replayed.
const DefaultTTL = 24 * time.Hour

// MemoryStore is an in-memory Store with TTL eviction.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{records: make(map[string]*Record), ttl: ttl}
}

// Get returns the record for a key, expiring stale entries lazily.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Since(record.CreatedAt) > s.ttl {
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	cp := *record
	cp.Body = append([]byte(nil), record.Body...)
	return &cp, nil
}

// Save stores a record. First write wins.
func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Key]; exists {
		return nil
	}
	cp := *record
	cp.Body = append([]byte(nil), record.Body...)
	s.records[record.Key] = &cp
	return nil
}
