package reconcile

import (
	"fmt"
	"sync"

	"trade_guard/internal/core"
)

// IntentStore is the in-memory index of intended structures. Entries are
// replaced whole, never mutated in place, so a reader holding a pointer
// always sees a consistent structure.
type IntentStore struct {
	mu         sync.RWMutex
	structures map[core.PositionKey]*core.IntendedStructure
}

func NewIntentStore() *IntentStore {
	return &IntentStore{
		structures: make(map[core.PositionKey]*core.IntendedStructure),
	}
}

// Register stores a structure, superseding any previous entry for the key.
// A registration that would move the revision backwards is rejected: it
// means a stale caller is racing a newer merge.
func (s *IntentStore) Register(structure *core.IntendedStructure) error {
	if structure == nil {
		return fmt.Errorf("nil intended structure")
	}
	if err := structure.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.structures[structure.Key]; ok {
		if structure.Revision == 0 {
			structure.Revision = existing.Revision + 1
		} else if structure.Revision <= existing.Revision {
			return fmt.Errorf("stale revision %d for %s, current is %d",
				structure.Revision, structure.Key, existing.Revision)
		}
	} else if structure.Revision == 0 {
		structure.Revision = 1
	}

	s.structures[structure.Key] = structure
	return nil
}

func (s *IntentStore) Get(key core.PositionKey) (*core.IntendedStructure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	structure, ok := s.structures[key]
	return structure, ok
}

func (s *IntentStore) Remove(key core.PositionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.structures, key)
}

// ActiveApproaches lists the approaches with a registered structure for a
// symbol/side on one account. The detector uses this to attribute untagged
// orders: attribution is only safe when exactly one approach is active.
func (s *IntentStore) ActiveApproaches(symbol string, side core.PositionSide, account core.Account) []core.Approach {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var approaches []core.Approach
	for key := range s.structures {
		if key.Symbol == symbol && key.Side == side && key.Account == account {
			approaches = append(approaches, key.Approach)
		}
	}
	return approaches
}
