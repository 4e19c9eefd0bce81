package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string][]*RiskDecision // accountID -> decisions in arrival order
}

// NewMemoryStore creates an in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[string][]*RiskDecision),
	}
}

func (s *MemoryStore) Record(ctx context.Context, d *RiskDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.decisions[d.AccountID] = append(s.decisions[d.AccountID], &cp)
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*RiskDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.decisions[accountID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*RiskDecision, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
