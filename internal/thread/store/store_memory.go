// Package store provides the thread registry's persistence implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"trustledger/internal/thread"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

type scopeKey struct {
	portfolio domain.PortfolioID
	base      string
	group     int
}

// MemoryStore implements thread.Store.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[domain.ThreadID]*thread.Thread
	byGroup map[scopeKey]domain.ThreadID
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		threads: make(map[domain.ThreadID]*thread.Thread),
		byGroup: make(map[scopeKey]domain.ThreadID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, t thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey{t.PortfolioID, t.Base, t.Group}
	if _, exists := s.byGroup[key]; exists {
		return sentinel.ErrAlreadyUsed
	}
	if _, exists := s.threads[t.ID]; exists {
		return sentinel.ErrConflict
	}
	stored := t
	s.threads[t.ID] = &stored
	s.byGroup[key] = t.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id domain.ThreadID) (thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.threads[id]
	if !exists {
		return thread.Thread{}, sentinel.ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) GetByGroup(_ context.Context, portfolioID domain.PortfolioID, base string, group int) (thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byGroup[scopeKey{portfolioID, base, group}]
	if !exists {
		return thread.Thread{}, sentinel.ErrNotFound
	}
	return *s.threads[id], nil
}

func (s *MemoryStore) List(_ context.Context, portfolioID domain.PortfolioID, base string) ([]thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []thread.Thread
	for _, t := range s.threads {
		if t.PortfolioID == portfolioID && t.Base == base && t.DeletedAt == nil {
			out = append(out, *t)
		}
	}
	sortThreads(out)
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, portfolioID domain.PortfolioID, base string, filter thread.SearchFilter) ([]thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.ToLower(filter.Query)
	var out []thread.Thread
	for _, t := range s.threads {
		if t.PortfolioID != portfolioID || t.Base != base || t.DeletedAt != nil {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(t.Category, filter.Category) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(t.Title), query) &&
			!strings.Contains(strings.ToLower(t.Party), query) {
			continue
		}
		out = append(out, *t)
	}
	sortThreads(out)
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context, portfolioID domain.PortfolioID) ([]thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []thread.Thread
	for _, t := range s.threads {
		if t.PortfolioID == portfolioID {
			out = append(out, *t)
		}
	}
	sortThreads(out)
	return out, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id domain.ThreadID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.threads[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	if t.DeletedAt != nil {
		return sentinel.ErrInvalidState
	}
	t.DeletedAt = &at
	t.UpdatedAt = at
	return nil
}

func sortThreads(threads []thread.Thread) {
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].Group < threads[j].Group
		}
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
}

var _ thread.Store = (*MemoryStore)(nil)
