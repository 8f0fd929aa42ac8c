package rmid

import (
	"context"

	"trustledger/pkg/domain"
)

// GroupStore owns the (portfolio, base, group) counter rows. Exclusivity is
// delegated to the storage layer: Reserve is insert-if-absent on the unique
// key, IssueSub is a single atomic increment-and-return-previous. No caller
// holds in-process locks around these.
type GroupStore interface {
	// Reserve inserts a new group. Returns sentinel.ErrAlreadyUsed when the
	// number is already held for (portfolio, base) — a normal race outcome,
	// callers resample and retry.
	Reserve(ctx context.Context, group Group) error

	// Get returns one group, or sentinel.ErrNotFound.
	Get(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (Group, error)

	// IssueSub atomically increments the group's counter and returns the
	// value held before the increment — the subnumber the caller now owns.
	// Returns sentinel.ErrNotFound for a missing group and
	// sentinel.ErrExhausted once the group has issued MaxSub subnumbers.
	IssueSub(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error)

	// PeekSub reads the next subnumber without consuming it.
	PeekSub(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error)

	// Count returns how many groups exist for (portfolio, base).
	Count(ctx context.Context, portfolioID domain.PortfolioID, base string) (int, error)

	// List returns every group for (portfolio, base). Integrity scans use it.
	List(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]Group, error)
}

// RelationStore maps caller relation keys to group numbers so unrelated calls
// carrying the same key land in one group.
type RelationStore interface {
	// Bind records relation_key → group. A concurrent duplicate bind returns
	// sentinel.ErrAlreadyUsed; callers re-read with Lookup.
	Bind(ctx context.Context, portfolioID domain.PortfolioID, base, relationKey string, number int) error

	// Lookup resolves a relation key, or sentinel.ErrNotFound.
	Lookup(ctx context.Context, portfolioID domain.PortfolioID, base, relationKey string) (int, error)
}

// AllocationStore is the append-only allocation audit trail.
type AllocationStore interface {
	Append(ctx context.Context, allocation Allocation) error
	ListByScope(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]Allocation, error)
}
