package audit

import (
	"context"
	"sync"

	"trustledger/pkg/domain"
)

// MemoryStore is the in-memory audit store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) ListByPortfolio(_ context.Context, portfolioID domain.PortfolioID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, event := range s.events {
		if event.PortfolioID == portfolioID {
			out = append(out, event)
		}
	}
	return out, nil
}

// All returns every appended event. Test helper.
func (s *MemoryStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
