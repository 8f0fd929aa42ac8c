package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trustledger/internal/platform/db"
	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// PostgresStore persists allocator state in PostgreSQL. Group reservation
// rides the primary-key constraint; subnumber issuance is one UPDATE ...
// RETURNING round trip, the sole mechanism preventing duplicate subnumbers
// under concurrent callers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(database *sql.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Reserve(ctx context.Context, group rmid.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rm_groups (portfolio_id, base, group_num, next_sub, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(group.PortfolioID), group.Base, group.Number, group.NextSub, group.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("reserve group: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (rmid.Group, error) {
	group := rmid.Group{PortfolioID: portfolioID, Base: base, Number: number}
	err := s.db.QueryRowContext(ctx, `
		SELECT next_sub, created_at FROM rm_groups
		WHERE portfolio_id = $1 AND base = $2 AND group_num = $3`,
		uuid.UUID(portfolioID), base, number,
	).Scan(&group.NextSub, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rmid.Group{}, sentinel.ErrNotFound
		}
		return rmid.Group{}, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) IssueSub(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error) {
	var previous int
	err := s.db.QueryRowContext(ctx, `
		UPDATE rm_groups
		SET next_sub = next_sub + 1
		WHERE portfolio_id = $1 AND base = $2 AND group_num = $3 AND next_sub <= $4
		RETURNING next_sub - 1`,
		uuid.UUID(portfolioID), base, number, rmid.MaxSub,
	).Scan(&previous)
	if err == nil {
		return previous, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("issue subnumber: %w", err)
	}
	// Zero rows: missing group or exhausted counter. Disambiguate.
	if _, err := s.Get(ctx, portfolioID, base, number); err != nil {
		return 0, err
	}
	return 0, sentinel.ErrExhausted
}

func (s *PostgresStore) PeekSub(ctx context.Context, portfolioID domain.PortfolioID, base string, number int) (int, error) {
	group, err := s.Get(ctx, portfolioID, base, number)
	if err != nil {
		return 0, err
	}
	return group.NextSub, nil
}

func (s *PostgresStore) Count(ctx context.Context, portfolioID domain.PortfolioID, base string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rm_groups WHERE portfolio_id = $1 AND base = $2`,
		uuid.UUID(portfolioID), base,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count groups: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) List(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]rmid.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_num, next_sub, created_at FROM rm_groups
		WHERE portfolio_id = $1 AND base = $2
		ORDER BY group_num`,
		uuid.UUID(portfolioID), base,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []rmid.Group
	for rows.Next() {
		group := rmid.Group{PortfolioID: portfolioID, Base: base}
		if err := rows.Scan(&group.Number, &group.NextSub, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Bind(ctx context.Context, portfolioID domain.PortfolioID, base, relation string, number int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rm_relations (portfolio_id, base, relation_key, group_num)
		VALUES ($1, $2, $3, $4)`,
		uuid.UUID(portfolioID), base, relation, number,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("bind relation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, portfolioID domain.PortfolioID, base, relation string) (int, error) {
	var number int
	err := s.db.QueryRowContext(ctx, `
		SELECT group_num FROM rm_relations
		WHERE portfolio_id = $1 AND base = $2 AND relation_key = $3`,
		uuid.UUID(portfolioID), base, relation,
	).Scan(&number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("lookup relation: %w", err)
	}
	return number, nil
}

func (s *PostgresStore) Append(ctx context.Context, allocation rmid.Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rm_allocations
			(id, portfolio_id, base, group_num, sub_num, rm_id, module_type, relation_key, is_new_group, allocated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		allocation.ID,
		uuid.UUID(allocation.PortfolioID),
		allocation.Base,
		allocation.Group,
		allocation.Sub,
		allocation.RMID,
		string(allocation.Module),
		allocation.RelationKey,
		allocation.IsNewGroup,
		uuid.NullUUID{UUID: uuid.UUID(allocation.AllocatedBy), Valid: !allocation.AllocatedBy.IsNil()},
		allocation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append allocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByScope(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]rmid.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_num, sub_num, rm_id, module_type, relation_key, is_new_group, allocated_by, created_at
		FROM rm_allocations
		WHERE portfolio_id = $1 AND base = $2
		ORDER BY created_at`,
		uuid.UUID(portfolioID), base,
	)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var out []rmid.Allocation
	for rows.Next() {
		allocation := rmid.Allocation{PortfolioID: portfolioID, Base: base}
		var (
			module      string
			allocatedBy uuid.NullUUID
		)
		if err := rows.Scan(&allocation.ID, &allocation.Group, &allocation.Sub, &allocation.RMID,
			&module, &allocation.RelationKey, &allocation.IsNewGroup, &allocatedBy, &allocation.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocation.Module = domain.ModuleType(module)
		allocation.AllocatedBy = domain.UserID(allocatedBy.UUID)
		out = append(out, allocation)
	}
	return out, rows.Err()
}

var (
	_ rmid.GroupStore      = (*PostgresStore)(nil)
	_ rmid.RelationStore   = (*PostgresStore)(nil)
	_ rmid.AllocationStore = (*PostgresStore)(nil)
)
