package revision

import (
	"context"
	"time"

	"trustledger/pkg/domain"
)

// RecordStore persists governance records. Implementations return
// sentinel.ErrNotFound for missing records and sentinel.ErrInvalidState when
// a conditional update finds the record in a different state than expected.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id domain.RecordID) (Record, error)
	ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]Record, error)
	ListByThread(ctx context.Context, threadID domain.ThreadID) ([]Record, error)

	// CountActiveByThread counts non-voided records attached to a thread.
	CountActiveByThread(ctx context.Context, threadID domain.ThreadID) (int, error)

	// SetCurrent repoints the record's current revision and status in one
	// write, bumping updated_at.
	SetCurrent(ctx context.Context, id domain.RecordID, revisionID domain.RevisionID, status domain.RecordStatus, at time.Time) error

	// UpdateStatus moves the record from one status to another. The write
	// is conditional on the record still holding `from`; a lost race
	// surfaces as sentinel.ErrInvalidState.
	UpdateStatus(ctx context.Context, id domain.RecordID, from, to domain.RecordStatus, at time.Time) error

	// Void marks the record voided. Conditional on the record not already
	// being voided.
	Void(ctx context.Context, id domain.RecordID, reason string, at time.Time) error

	// Repoint moves every record on one thread to another. Used by thread
	// merges. Returns the number of records moved.
	Repoint(ctx context.Context, from, to domain.ThreadID) (int, error)

	// SetStatusUnchecked overwrites the record's status without a
	// precondition. Reserved for integrity repairs.
	SetStatusUnchecked(ctx context.Context, id domain.RecordID, to domain.RecordStatus, at time.Time) error
}

// RevisionStore persists revisions. Finalize and UpdatePayload are
// conditional on the revision being unfinalized; a revision that is already
// locked surfaces as sentinel.ErrInvalidState, never as a silent overwrite.
type RevisionStore interface {
	Insert(ctx context.Context, rev Revision) error
	Get(ctx context.Context, id domain.RevisionID) (Revision, error)
	// ListByRecord returns the record's revisions in ascending version
	// order.
	ListByRecord(ctx context.Context, recordID domain.RecordID) ([]Revision, error)
	Latest(ctx context.Context, recordID domain.RecordID) (Revision, error)

	UpdatePayload(ctx context.Context, id domain.RevisionID, payload map[string]any, reason string) error
	Finalize(ctx context.Context, id domain.RevisionID, contentHash string, by domain.UserID, at time.Time) error

	// Delete removes a revision outright. Reserved for integrity repairs
	// on orphaned rows.
	Delete(ctx context.Context, id domain.RevisionID) error

	// ListDangling returns revisions whose record no longer exists.
	ListDangling(ctx context.Context) ([]Revision, error)
}

// EventStore is the record-scoped append-only activity log.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
	ListByRecord(ctx context.Context, recordID domain.RecordID) ([]Event, error)
}
