package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"trustledger/pkg/domain"
)

// PostgresStore persists audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, category, action, actor_id, actor_name, portfolio_id, record_id, reason, request_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID,
		string(event.Category),
		string(event.Action),
		nullableUUID(uuid.UUID(event.ActorID)),
		event.ActorName,
		nullableUUID(uuid.UUID(event.PortfolioID)),
		nullableUUID(uuid.UUID(event.RecordID)),
		event.Reason,
		event.RequestID,
		detail,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, action, actor_id, actor_name, portfolio_id, record_id, reason, request_id, detail, created_at
		FROM audit_events
		WHERE portfolio_id = $1
		ORDER BY created_at`,
		uuid.UUID(portfolioID),
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			event       Event
			category    string
			action      string
			actorID     uuid.NullUUID
			portfolio   uuid.NullUUID
			recordID    uuid.NullUUID
			detailBytes []byte
		)
		if err := rows.Scan(&event.ID, &category, &action, &actorID, &event.ActorName,
			&portfolio, &recordID, &event.Reason, &event.RequestID, &detailBytes, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = EventCategory(category)
		event.Action = Action(action)
		event.ActorID = domain.UserID(actorID.UUID)
		event.PortfolioID = domain.PortfolioID(portfolio.UUID)
		event.RecordID = domain.RecordID(recordID.UUID)
		if len(detailBytes) > 0 {
			if err := json.Unmarshal(detailBytes, &event.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func nullableUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
