package cases

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SidU/durable-support-agent/model"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]model.Case
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases: make(map[string]model.Case),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new case.
func (s *MemoryStore) Create(_ context.Context, c model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[c.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	if c.Version == 0 {
		c.Version = 1
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

// Get retrieves a case by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[id]
	if !exists {
		return model.Case{}, model.NewCaseNotFoundError(id)
	}
	return cloneCase(c), nil
}

// Update applies patch under the store lock.
func (s *MemoryStore) Update(_ context.Context, id string, patch model.CasePatch) (model.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.cases[id]
	if !exists {
		return model.Case{}, model.NewCaseNotFoundError(id)
	}
	if err := checkTransition(c, patch); err != nil {
		return model.Case{}, err
	}

	patch.Apply(&c)
	c.UpdatedAt = s.now()
	c.Version++
	s.cases[id] = c
	return cloneCase(c), nil
}

// QueryByStatus returns cases in status, newest first.
func (s *MemoryStore) QueryByStatus(_ context.Context, status string) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Case
	for _, c := range s.cases {
		if c.Status == status {
			result = append(result, cloneCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the number of stored cases.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func cloneCase(c model.Case) model.Case {
	if c.RefundAmount != nil {
		amount := *c.RefundAmount
		c.RefundAmount = &amount
	}
	return c
}
