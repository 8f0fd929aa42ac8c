package thread

import (
	"context"
	"time"

	"trustledger/pkg/domain"
)

// Store persists threads. Implementations return sentinel.ErrNotFound for
// missing threads, sentinel.ErrAlreadyUsed when an insert collides with the
// (portfolio, base, group) uniqueness constraint, and sentinel.ErrInvalidState
// when a soft delete finds the thread already deleted.
type Store interface {
	Insert(ctx context.Context, t Thread) error
	Get(ctx context.Context, id domain.ThreadID) (Thread, error)
	GetByGroup(ctx context.Context, portfolioID domain.PortfolioID, base string, group int) (Thread, error)

	// List returns non-deleted threads for (portfolio, base), newest first.
	List(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]Thread, error)
	// Search applies the filter over title and party, case-insensitively.
	Search(ctx context.Context, portfolioID domain.PortfolioID, base string, filter SearchFilter) ([]Thread, error)
	// ListAll includes soft-deleted threads. Integrity scans need them.
	ListAll(ctx context.Context, portfolioID domain.PortfolioID) ([]Thread, error)

	SoftDelete(ctx context.Context, id domain.ThreadID, at time.Time) error
}
