package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trustledger/internal/platform/db"
	"trustledger/internal/seal"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// PostgresStore persists seals in PostgreSQL. One-seal-per-record rides the
// record_id unique constraint.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(database *sql.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

const sealColumns = `
	id, portfolio_id, record_id, record_hash, chain_hash, previous_seal_id, sealed_by, sealed_at`

func (s *PostgresStore) Insert(ctx context.Context, sealed seal.Seal) error {
	var previous uuid.NullUUID
	if sealed.PreviousSealID != nil {
		previous = uuid.NullUUID{UUID: uuid.UUID(*sealed.PreviousSealID), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrity_seals
			(id, portfolio_id, record_id, record_hash, chain_hash, previous_seal_id, sealed_by, sealed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.UUID(sealed.ID),
		uuid.UUID(sealed.PortfolioID),
		uuid.UUID(sealed.RecordID),
		sealed.RecordHash,
		sealed.ChainHash,
		previous,
		uuid.NullUUID{UUID: uuid.UUID(sealed.SealedBy), Valid: !sealed.SealedBy.IsNil()},
		sealed.SealedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert seal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByRecord(ctx context.Context, recordID domain.RecordID) (seal.Seal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sealColumns+` FROM integrity_seals WHERE record_id = $1`,
		uuid.UUID(recordID),
	)
	sealed, err := scanSeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seal.Seal{}, sentinel.ErrNotFound
		}
		return seal.Seal{}, fmt.Errorf("get seal: %w", err)
	}
	return sealed, nil
}

func (s *PostgresStore) Latest(ctx context.Context, portfolioID domain.PortfolioID) (seal.Seal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sealColumns+` FROM integrity_seals
		WHERE portfolio_id = $1
		ORDER BY sealed_at DESC, id DESC
		LIMIT 1`,
		uuid.UUID(portfolioID),
	)
	sealed, err := scanSeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seal.Seal{}, sentinel.ErrNotFound
		}
		return seal.Seal{}, fmt.Errorf("latest seal: %w", err)
	}
	return sealed, nil
}

func (s *PostgresStore) ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]seal.Seal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sealColumns+` FROM integrity_seals
		WHERE portfolio_id = $1
		ORDER BY sealed_at, id`,
		uuid.UUID(portfolioID),
	)
	if err != nil {
		return nil, fmt.Errorf("list seals: %w", err)
	}
	defer rows.Close()

	var out []seal.Seal
	for rows.Next() {
		sealed, err := scanSeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seal: %w", err)
		}
		out = append(out, sealed)
	}
	return out, rows.Err()
}

func scanSeal(row interface{ Scan(dest ...any) error }) (seal.Seal, error) {
	var (
		sealed    seal.Seal
		id        uuid.UUID
		portfolio uuid.UUID
		record    uuid.UUID
		previous  uuid.NullUUID
		sealedBy  uuid.NullUUID
	)
	err := row.Scan(&id, &portfolio, &record, &sealed.RecordHash, &sealed.ChainHash,
		&previous, &sealedBy, &sealed.SealedAt)
	if err != nil {
		return seal.Seal{}, err
	}
	sealed.ID = domain.SealID(id)
	sealed.PortfolioID = domain.PortfolioID(portfolio)
	sealed.RecordID = domain.RecordID(record)
	if previous.Valid {
		prevID := domain.SealID(previous.UUID)
		sealed.PreviousSealID = &prevID
	}
	sealed.SealedBy = domain.UserID(sealedBy.UUID)
	return sealed, nil
}

var _ seal.Store = (*PostgresStore)(nil)
