// Package mapping stores which forum thread belongs to which platform entity.
package mapping

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("thread mapping not found")

// ThreadMapping links an entity reference to its forum thread. At most one
// mapping exists per (ReferenceType, ReferenceID); ThreadID never changes once
// assigned.
type ThreadMapping struct {
	ID            int64     `json:"id"`
	ReferenceType string    `json:"reference"`
	ReferenceID   string    `json:"referenceId"`
	ThreadID      string    `json:"threadId"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedBy     string    `json:"updatedBy"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Store interface {
	// Get returns ErrNotFound when no mapping exists.
	Get(ctx context.Context, referenceType, referenceID string) (*ThreadMapping, error)
	// Create inserts m unless a mapping for the same reference already
	// exists. It returns the stored mapping and whether this call created it;
	// on conflict the existing mapping is returned with created=false.
	Create(ctx context.Context, m *ThreadMapping) (stored *ThreadMapping, created bool, err error)
}

type key struct {
	referenceType string
	referenceID   string
}

// InMemoryStore is a threadsafe in-memory store for tests and single-process runs.
type InMemoryStore struct {
	mu     sync.RWMutex
	byRef  map[key]*ThreadMapping
	nextID int64
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byRef: make(map[key]*ThreadMapping),
		now:   time.Now,
	}
}

func (s *InMemoryStore) Get(ctx context.Context, referenceType, referenceID string) (*ThreadMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byRef[key{referenceType, referenceID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) Create(ctx context.Context, m *ThreadMapping) (*ThreadMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{m.ReferenceType, m.ReferenceID}
	if existing, ok := s.byRef[k]; ok {
		cp := *existing
		return &cp, false, nil
	}
	s.nextID++
	stored := *m
	stored.ID = s.nextID
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	if stored.UpdatedBy == "" {
		stored.UpdatedBy = stored.CreatedBy
	}
	s.byRef[k] = &stored
	cp := stored
	return &cp, true, nil
}

// Len returns the number of stored mappings.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRef)
}
