// Package store provides the allocator's persistence implementations. The
// memory store is the storage layer for tests and single-process use: its
// mutex plays the role the database's atomic primitives play in production.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

type groupKey struct {
	portfolio domain.PortfolioID
	base      string
	number    int
}

type relationKey struct {
	portfolio domain.PortfolioID
	base      string
	relation  string
}

// MemoryStore implements rmid.GroupStore, rmid.RelationStore, and
// rmid.AllocationStore.
type MemoryStore struct {
	mu          sync.Mutex
	groups      map[groupKey]*rmid.Group
	relations   map[relationKey]int
	allocations []rmid.Allocation
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		groups:    make(map[groupKey]*rmid.Group),
		relations: make(map[relationKey]int),
	}
}

func (s *MemoryStore) Reserve(_ context.Context, group rmid.Group) error {
	if group.Number < 1 || group.Number > rmid.MaxGroup {
		return fmt.Errorf("group number %d out of range: %w", group.Number, sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey{group.PortfolioID, group.Base, group.Number}
	if _, exists := s.groups[key]; exists {
		return sentinel.ErrAlreadyUsed
	}
	stored := group
	s.groups[key] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, portfolioID domain.PortfolioID, base string, number int) (rmid.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exists := s.groups[groupKey{portfolioID, base, number}]
	if !exists {
		return rmid.Group{}, sentinel.ErrNotFound
	}
	return *group, nil
}

func (s *MemoryStore) IssueSub(_ context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exists := s.groups[groupKey{portfolioID, base, number}]
	if !exists {
		return 0, sentinel.ErrNotFound
	}
	if group.NextSub > rmid.MaxSub {
		return 0, sentinel.ErrExhausted
	}
	issued := group.NextSub
	group.NextSub++
	return issued, nil
}

func (s *MemoryStore) PeekSub(_ context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exists := s.groups[groupKey{portfolioID, base, number}]
	if !exists {
		return 0, sentinel.ErrNotFound
	}
	return group.NextSub, nil
}

func (s *MemoryStore) Count(_ context.Context, portfolioID domain.PortfolioID, base string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.groups {
		if key.portfolio == portfolioID && key.base == base {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) List(_ context.Context, portfolioID domain.PortfolioID, base string) ([]rmid.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []rmid.Group
	for key, group := range s.groups {
		if key.portfolio == portfolioID && key.base == base {
			out = append(out, *group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) Bind(_ context.Context, portfolioID domain.PortfolioID, base, relation string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relationKey{portfolioID, base, relation}
	if _, exists := s.relations[key]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.relations[key] = number
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, portfolioID domain.PortfolioID, base, relation string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number, exists := s.relations[relationKey{portfolioID, base, relation}]
	if !exists {
		return 0, sentinel.ErrNotFound
	}
	return number, nil
}

func (s *MemoryStore) Append(_ context.Context, allocation rmid.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations = append(s.allocations, allocation)
	return nil
}

func (s *MemoryStore) ListByScope(_ context.Context, portfolioID domain.PortfolioID, base string) ([]rmid.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []rmid.Allocation
	for _, allocation := range s.allocations {
		if allocation.PortfolioID == portfolioID && allocation.Base == base {
			out = append(out, allocation)
		}
	}
	return out, nil
}

var (
	_ rmid.GroupStore      = (*MemoryStore)(nil)
	_ rmid.RelationStore   = (*MemoryStore)(nil)
	_ rmid.AllocationStore = (*MemoryStore)(nil)
)
