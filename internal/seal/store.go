package seal

import (
	"context"

	"trustledger/pkg/domain"
)

// Store persists seals. Implementations return sentinel.ErrNotFound for
// missing seals and sentinel.ErrConflict when an insert collides with the
// one-seal-per-record constraint.
type Store interface {
	Insert(ctx context.Context, s Seal) error
	GetByRecord(ctx context.Context, recordID domain.RecordID) (Seal, error)

	// Latest returns the most recently created seal in the portfolio; the
	// chain links each new seal to it.
	Latest(ctx context.Context, portfolioID domain.PortfolioID) (Seal, error)

	// ListByPortfolio returns the portfolio's seals in chain order.
	ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]Seal, error)
}
