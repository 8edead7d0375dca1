package contracts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps contracts in process memory. It backs the binary when no
// database is configured and every test that does not need Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	contracts map[string]Contract
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]Contract)}
}

func (s *MemoryStore) Save(_ context.Context, c Contract) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[c.ContractID]; exists {
		return Contract{}, ErrDuplicateContract
	}
	s.nextID++
	c.ID = s.nextID
	s.contracts[c.ContractID] = c
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, contractID string) (Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return Contract{}, ErrContractNotFound
	}
	return c, nil
}

// List returns every contract in insertion order.
func (s *MemoryStore) List() []Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ Store = (*MemoryStore)(nil)
