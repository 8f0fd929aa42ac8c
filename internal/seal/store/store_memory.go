// Package store provides the seal service's persistence implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"trustledger/internal/seal"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// MemoryStore implements seal.Store.
type MemoryStore struct {
	mu       sync.Mutex
	byRecord map[domain.RecordID]*seal.Seal
	order    []domain.SealID
	byID     map[domain.SealID]*seal.Seal
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		byRecord: make(map[domain.RecordID]*seal.Seal),
		byID:     make(map[domain.SealID]*seal.Seal),
	}
}

func (s *MemoryStore) Insert(_ context.Context, sealed seal.Seal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRecord[sealed.RecordID]; exists {
		return sentinel.ErrConflict
	}
	stored := sealed
	s.byRecord[sealed.RecordID] = &stored
	s.byID[sealed.ID] = &stored
	s.order = append(s.order, sealed.ID)
	return nil
}

func (s *MemoryStore) GetByRecord(_ context.Context, recordID domain.RecordID) (seal.Seal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, exists := s.byRecord[recordID]
	if !exists {
		return seal.Seal{}, sentinel.ErrNotFound
	}
	return *sealed, nil
}

func (s *MemoryStore) Latest(_ context.Context, portfolioID domain.PortfolioID) (seal.Seal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		sealed := s.byID[s.order[i]]
		if sealed.PortfolioID == portfolioID {
			return *sealed, nil
		}
	}
	return seal.Seal{}, sentinel.ErrNotFound
}

func (s *MemoryStore) ListByPortfolio(_ context.Context, portfolioID domain.PortfolioID) ([]seal.Seal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []seal.Seal
	for _, id := range s.order {
		sealed := s.byID[id]
		if sealed.PortfolioID == portfolioID {
			out = append(out, *sealed)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SealedAt.Before(out[j].SealedAt) })
	return out, nil
}

// Tamper overwrites a stored seal's record hash. Test hook for chain-break
// scenarios.
func (s *MemoryStore) Tamper(id domain.SealID, recordHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, exists := s.byID[id]
	if !exists {
		return false
	}
	sealed.RecordHash = recordHash
	return true
}

var _ seal.Store = (*MemoryStore)(nil)
