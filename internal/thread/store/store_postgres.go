package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustledger/internal/platform/db"
	"trustledger/internal/thread"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// PostgresStore persists threads in PostgreSQL. Group ownership rides the
// (portfolio_id, base, group_num) unique constraint.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(database *sql.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

const threadColumns = `
	id, portfolio_id, base, group_num, title, category, party,
	created_by, created_at, updated_at, deleted_at`

func (s *PostgresStore) Insert(ctx context.Context, t thread.Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads
			(id, portfolio_id, base, group_num, title, category, party, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(t.ID),
		uuid.UUID(t.PortfolioID),
		t.Base,
		t.Group,
		t.Title,
		t.Category,
		t.Party,
		uuid.NullUUID{UUID: uuid.UUID(t.CreatedBy), Valid: !t.CreatedBy.IsNil()},
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.ThreadID) (thread.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM threads WHERE id = $1`,
		uuid.UUID(id),
	)
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return thread.Thread{}, sentinel.ErrNotFound
		}
		return thread.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetByGroup(ctx context.Context, portfolioID domain.PortfolioID, base string, group int) (thread.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE portfolio_id = $1 AND base = $2 AND group_num = $3`,
		uuid.UUID(portfolioID), base, group,
	)
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return thread.Thread{}, sentinel.ErrNotFound
		}
		return thread.Thread{}, fmt.Errorf("get thread by group: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE portfolio_id = $1 AND base = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC, group_num`,
		uuid.UUID(portfolioID), base,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return collectThreads(rows)
}

func (s *PostgresStore) Search(ctx context.Context, portfolioID domain.PortfolioID, base string, filter thread.SearchFilter) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE portfolio_id = $1 AND base = $2 AND deleted_at IS NULL
		  AND ($3 = '' OR title ILIKE '%' || $3 || '%' OR party ILIKE '%' || $3 || '%')
		  AND ($4 = '' OR lower(category) = lower($4))
		ORDER BY created_at DESC, group_num`,
		uuid.UUID(portfolioID), base, filter.Query, filter.Category,
	)
	if err != nil {
		return nil, fmt.Errorf("search threads: %w", err)
	}
	return collectThreads(rows)
}

func (s *PostgresStore) ListAll(ctx context.Context, portfolioID domain.PortfolioID) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE portfolio_id = $1
		ORDER BY created_at DESC, group_num`,
		uuid.UUID(portfolioID),
	)
	if err != nil {
		return nil, fmt.Errorf("list all threads: %w", err)
	}
	return collectThreads(rows)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id domain.ThreadID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`,
		uuid.UUID(id), at,
	)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Zero rows: missing thread or already deleted. Disambiguate.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func scanThread(row interface{ Scan(dest ...any) error }) (thread.Thread, error) {
	var (
		t         thread.Thread
		id        uuid.UUID
		portfolio uuid.UUID
		createdBy uuid.NullUUID
	)
	err := row.Scan(&id, &portfolio, &t.Base, &t.Group, &t.Title, &t.Category, &t.Party,
		&createdBy, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return thread.Thread{}, err
	}
	t.ID = domain.ThreadID(id)
	t.PortfolioID = domain.PortfolioID(portfolio)
	t.CreatedBy = domain.UserID(createdBy.UUID)
	return t, nil
}

func collectThreads(rows *sql.Rows) ([]thread.Thread, error) {
	defer rows.Close()
	var out []thread.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ thread.Store = (*PostgresStore)(nil)
