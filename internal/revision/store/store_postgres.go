package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustledger/internal/platform/db"
	"trustledger/internal/revision"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// PostgresRecords persists governance records. Status moves and voiding are
// conditional UPDATEs, so concurrent writers lose the race explicitly instead
// of clobbering each other.
type PostgresRecords struct {
	db *sql.DB
}

func NewPostgresRecords(database *sql.DB) *PostgresRecords {
	return &PostgresRecords{db: database}
}

const recordColumns = `
	id, portfolio_id, thread_id, module_type, rm_id, status, current_revision_id,
	created_by, created_at, updated_at, voided_at, void_reason`

func (s *PostgresRecords) Insert(ctx context.Context, rec revision.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_records
			(id, portfolio_id, thread_id, module_type, rm_id, status, current_revision_id,
			 created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(rec.ID),
		uuid.UUID(rec.PortfolioID),
		nullThread(rec.ThreadID),
		string(rec.Module),
		rec.RMID,
		string(rec.Status),
		uuid.NullUUID{UUID: uuid.UUID(rec.CurrentRevisionID), Valid: !rec.CurrentRevisionID.IsNil()},
		uuid.NullUUID{UUID: uuid.UUID(rec.CreatedBy), Valid: !rec.CreatedBy.IsNil()},
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresRecords) Get(ctx context.Context, id domain.RecordID) (revision.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM governance_records WHERE id = $1`,
		uuid.UUID(id),
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return revision.Record{}, sentinel.ErrNotFound
		}
		return revision.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecords) ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]revision.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM governance_records
		WHERE portfolio_id = $1
		ORDER BY created_at, id`,
		uuid.UUID(portfolioID),
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return collectRecords(rows)
}

func (s *PostgresRecords) ListByThread(ctx context.Context, threadID domain.ThreadID) ([]revision.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM governance_records
		WHERE thread_id = $1
		ORDER BY created_at, id`,
		uuid.UUID(threadID),
	)
	if err != nil {
		return nil, fmt.Errorf("list thread records: %w", err)
	}
	return collectRecords(rows)
}

func (s *PostgresRecords) CountActiveByThread(ctx context.Context, threadID domain.ThreadID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM governance_records
		WHERE thread_id = $1 AND status <> 'voided'`,
		uuid.UUID(threadID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count thread records: %w", err)
	}
	return count, nil
}

func (s *PostgresRecords) SetCurrent(ctx context.Context, id domain.RecordID, revisionID domain.RevisionID, status domain.RecordStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_records
		SET current_revision_id = $2, status = $3, updated_at = $4
		WHERE id = $1`,
		uuid.UUID(id), uuid.UUID(revisionID), string(status), at,
	)
	if err != nil {
		return fmt.Errorf("set current revision: %w", err)
	}
	return requireRow(result, sentinel.ErrNotFound)
}

func (s *PostgresRecords) UpdateStatus(ctx context.Context, id domain.RecordID, from, to domain.RecordStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_records
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		uuid.UUID(id), string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("update record status: %w", err)
	}
	// Zero rows: missing record or a lost status race. Disambiguate.
	if err := requireRow(result, sentinel.ErrInvalidState); err != nil {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

func (s *PostgresRecords) Void(ctx context.Context, id domain.RecordID, reason string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_records
		SET status = 'voided', voided_at = $2, void_reason = $3, updated_at = $2
		WHERE id = $1 AND status <> 'voided'`,
		uuid.UUID(id), at, reason,
	)
	if err != nil {
		return fmt.Errorf("void record: %w", err)
	}
	if err := requireRow(result, sentinel.ErrInvalidState); err != nil {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

func (s *PostgresRecords) Repoint(ctx context.Context, from, to domain.ThreadID) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_records SET thread_id = $2 WHERE thread_id = $1`,
		uuid.UUID(from), uuid.UUID(to),
	)
	if err != nil {
		return 0, fmt.Errorf("repoint thread records: %w", err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repoint thread records: %w", err)
	}
	return int(moved), nil
}

func (s *PostgresRecords) SetStatusUnchecked(ctx context.Context, id domain.RecordID, to domain.RecordStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_records SET status = $2, updated_at = $3 WHERE id = $1`,
		uuid.UUID(id), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("set record status: %w", err)
	}
	return requireRow(result, sentinel.ErrNotFound)
}

// PostgresRevisions persists revisions. Finalize and UpdatePayload gate on
// finalized_at IS NULL inside the UPDATE itself, which is what makes a
// finalized revision immutable under concurrency.
type PostgresRevisions struct {
	db *sql.DB
}

func NewPostgresRevisions(database *sql.DB) *PostgresRevisions {
	return &PostgresRevisions{db: database}
}

const revisionColumns = `
	id, record_id, version, change_type, change_reason, effective_at, payload,
	content_hash, parent_hash, created_by, created_at, finalized_at, finalized_by`

func (s *PostgresRevisions) Insert(ctx context.Context, rev revision.Revision) error {
	payload, err := json.Marshal(rev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_revisions
			(id, record_id, version, change_type, change_reason, effective_at, payload,
			 content_hash, parent_hash, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.UUID(rev.ID),
		uuid.UUID(rev.RecordID),
		rev.Version,
		string(rev.ChangeType),
		rev.ChangeReason,
		rev.EffectiveAt,
		payload,
		rev.ContentHash,
		rev.ParentHash,
		uuid.NullUUID{UUID: uuid.UUID(rev.CreatedBy), Valid: !rev.CreatedBy.IsNil()},
		rev.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresRevisions) Get(ctx context.Context, id domain.RevisionID) (revision.Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM governance_revisions WHERE id = $1`,
		uuid.UUID(id),
	)
	rev, err := scanRevision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return revision.Revision{}, sentinel.ErrNotFound
		}
		return revision.Revision{}, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

func (s *PostgresRevisions) ListByRecord(ctx context.Context, recordID domain.RecordID) ([]revision.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+` FROM governance_revisions
		WHERE record_id = $1
		ORDER BY version`,
		uuid.UUID(recordID),
	)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	return collectRevisions(rows)
}

func (s *PostgresRevisions) Latest(ctx context.Context, recordID domain.RecordID) (revision.Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM governance_revisions
		WHERE record_id = $1
		ORDER BY version DESC
		LIMIT 1`,
		uuid.UUID(recordID),
	)
	rev, err := scanRevision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return revision.Revision{}, sentinel.ErrNotFound
		}
		return revision.Revision{}, fmt.Errorf("latest revision: %w", err)
	}
	return rev, nil
}

func (s *PostgresRevisions) UpdatePayload(ctx context.Context, id domain.RevisionID, payload map[string]any, reason string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_revisions
		SET payload = $2,
		    change_reason = CASE WHEN $3 <> '' THEN $3 ELSE change_reason END
		WHERE id = $1 AND finalized_at IS NULL`,
		uuid.UUID(id), encoded, reason,
	)
	if err != nil {
		return fmt.Errorf("update revision payload: %w", err)
	}
	if err := requireRow(result, sentinel.ErrInvalidState); err != nil {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

func (s *PostgresRevisions) Finalize(ctx context.Context, id domain.RevisionID, contentHash string, by domain.UserID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE governance_revisions
		SET content_hash = $2, finalized_at = $3, finalized_by = $4
		WHERE id = $1 AND finalized_at IS NULL`,
		uuid.UUID(id), contentHash, at,
		uuid.NullUUID{UUID: uuid.UUID(by), Valid: !by.IsNil()},
	)
	if err != nil {
		return fmt.Errorf("finalize revision: %w", err)
	}
	if err := requireRow(result, sentinel.ErrInvalidState); err != nil {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return err
	}
	return nil
}

func (s *PostgresRevisions) Delete(ctx context.Context, id domain.RevisionID) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM governance_revisions WHERE id = $1`,
		uuid.UUID(id),
	)
	if err != nil {
		return fmt.Errorf("delete revision: %w", err)
	}
	return requireRow(result, sentinel.ErrNotFound)
}

func (s *PostgresRevisions) ListDangling(ctx context.Context) ([]revision.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+` FROM governance_revisions r
		WHERE NOT EXISTS (SELECT 1 FROM governance_records g WHERE g.id = r.record_id)
		ORDER BY r.created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list dangling revisions: %w", err)
	}
	return collectRevisions(rows)
}

// PostgresEvents is the record activity log.
type PostgresEvents struct {
	db *sql.DB
}

func NewPostgresEvents(database *sql.DB) *PostgresEvents {
	return &PostgresEvents{db: database}
}

func (s *PostgresEvents) Append(ctx context.Context, ev revision.Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}
	var revisionID uuid.NullUUID
	if ev.RevisionID != nil {
		revisionID = uuid.NullUUID{UUID: uuid.UUID(*ev.RevisionID), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_events
			(id, record_id, revision_id, action, actor_id, actor_name, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID,
		uuid.UUID(ev.RecordID),
		revisionID,
		ev.Action,
		uuid.NullUUID{UUID: uuid.UUID(ev.ActorID), Valid: !ev.ActorID.IsNil()},
		ev.ActorName,
		detail,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append record event: %w", err)
	}
	return nil
}

func (s *PostgresEvents) ListByRecord(ctx context.Context, recordID domain.RecordID) ([]revision.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision_id, action, actor_id, actor_name, detail, created_at
		FROM governance_events
		WHERE record_id = $1
		ORDER BY created_at, id`,
		uuid.UUID(recordID),
	)
	if err != nil {
		return nil, fmt.Errorf("list record events: %w", err)
	}
	defer rows.Close()

	var out []revision.Event
	for rows.Next() {
		ev := revision.Event{RecordID: recordID}
		var (
			revisionID uuid.NullUUID
			actorID    uuid.NullUUID
			detail     []byte
		)
		if err := rows.Scan(&ev.ID, &revisionID, &ev.Action, &actorID, &ev.ActorName, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record event: %w", err)
		}
		if revisionID.Valid {
			id := domain.RevisionID(revisionID.UUID)
			ev.RevisionID = &id
		}
		ev.ActorID = domain.UserID(actorID.UUID)
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return nil, fmt.Errorf("decode event detail: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (revision.Record, error) {
	var (
		rec        revision.Record
		id         uuid.UUID
		portfolio  uuid.UUID
		threadID   uuid.NullUUID
		module     string
		status     string
		currentRev uuid.NullUUID
		createdBy  uuid.NullUUID
	)
	err := row.Scan(&id, &portfolio, &threadID, &module, &rec.RMID, &status, &currentRev,
		&createdBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.VoidedAt, &rec.VoidReason)
	if err != nil {
		return revision.Record{}, err
	}
	rec.ID = domain.RecordID(id)
	rec.PortfolioID = domain.PortfolioID(portfolio)
	if threadID.Valid {
		thread := domain.ThreadID(threadID.UUID)
		rec.ThreadID = &thread
	}
	rec.Module = domain.ModuleType(module)
	rec.Status = domain.RecordStatus(status)
	rec.CurrentRevisionID = domain.RevisionID(currentRev.UUID)
	rec.CreatedBy = domain.UserID(createdBy.UUID)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]revision.Record, error) {
	defer rows.Close()
	var out []revision.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRevision(row rowScanner) (revision.Revision, error) {
	var (
		rev         revision.Revision
		id          uuid.UUID
		recordID    uuid.UUID
		changeType  string
		payload     []byte
		createdBy   uuid.NullUUID
		finalizedBy uuid.NullUUID
	)
	err := row.Scan(&id, &recordID, &rev.Version, &changeType, &rev.ChangeReason, &rev.EffectiveAt,
		&payload, &rev.ContentHash, &rev.ParentHash, &createdBy, &rev.CreatedAt, &rev.FinalizedAt, &finalizedBy)
	if err != nil {
		return revision.Revision{}, err
	}
	rev.ID = domain.RevisionID(id)
	rev.RecordID = domain.RecordID(recordID)
	rev.ChangeType = domain.ChangeType(changeType)
	rev.CreatedBy = domain.UserID(createdBy.UUID)
	if finalizedBy.Valid {
		by := domain.UserID(finalizedBy.UUID)
		rev.FinalizedBy = &by
	}
	if err := json.Unmarshal(payload, &rev.Payload); err != nil {
		return revision.Revision{}, fmt.Errorf("decode payload: %w", err)
	}
	return rev, nil
}

func collectRevisions(rows *sql.Rows) ([]revision.Revision, error) {
	defer rows.Close()
	var out []revision.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func nullThread(id *domain.ThreadID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func requireRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

var (
	_ revision.RecordStore   = (*PostgresRecords)(nil)
	_ revision.RevisionStore = (*PostgresRevisions)(nil)
	_ revision.EventStore    = (*PostgresEvents)(nil)
)
