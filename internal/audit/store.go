package audit

import (
	"context"

	"trustledger/pkg/domain"
)

// Store is append-only persistence for audit events. Implementations must
// never mutate or delete appended events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]Event, error)
}
