package txvalidator

import (
	"sync"
)

// SpentSet is the consensus collaborator's authoritative record of spent
// input references. Conflicting concurrent spends are serialized by the
// implementation, not by the validator.
type SpentSet interface {
	// IsSpent reports whether ref has already been spent.
	IsSpent(ref InputRef) (bool, error)

	// MarkSpent records refs as spent. Called once per Valid verdict.
	MarkSpent(refs []InputRef) error
}

// MemorySpentSet is an in-process SpentSet for tests and single-node runs.
type MemorySpentSet struct {
	mu    sync.RWMutex
	spent map[InputRef]struct{}
}

func NewMemorySpentSet() *MemorySpentSet {
	return &MemorySpentSet{spent: make(map[InputRef]struct{})}
}

func (s *MemorySpentSet) IsSpent(ref InputRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spent[ref]
	return ok, nil
}

func (s *MemorySpentSet) MarkSpent(refs []InputRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		s.spent[ref] = struct{}{}
	}
	return nil
}
