package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errEscrowExists = errors.New("escrow: already exists")

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows     map[string]*Escrow // keyed by request id
	settlements []*Settlement
	jobs        map[string]*CompensationJob
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		jobs:    make(map[string]*CompensationJob),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.RequestID]; ok {
		return errEscrowExists
	}
	cp := *escrow
	m.escrows[escrow.RequestID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[requestID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.RequestID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *escrow
	m.escrows[escrow.RequestID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].HeldAt.After(result[j].HeldAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendSettlement(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.settlements = append(m.settlements, &cp)
	return nil
}

func (m *MemoryStore) ListSettlements(ctx context.Context, requestID string) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Settlement
	for _, s := range m.settlements {
		if s.RequestID != requestID {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *CompensationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPendingJobs(ctx context.Context, limit int) ([]*CompensationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*CompensationJob
	for _, job := range m.jobs {
		if job.CompletedAt != nil {
			continue
		}
		cp := *job
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *CompensationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
