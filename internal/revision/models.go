package revision

import (
	"time"

	"github.com/google/uuid"

	"trustledger/pkg/domain"
)

// VolatileFields are operational bookkeeping keys that may appear inside a
// payload but must never influence a content hash or an integrity seal.
var VolatileFields = []string{"view_count", "cached_status", "last_accessed_at", "updated_at"}

// Record is a governance record: the stable identity a revision history hangs
// off. Its payload lives in revisions; the record itself carries only
// identity, lifecycle status and pointers.
type Record struct {
	ID                domain.RecordID
	PortfolioID       domain.PortfolioID
	ThreadID          *domain.ThreadID
	Module            domain.ModuleType
	RMID              string
	Status            domain.RecordStatus
	CurrentRevisionID domain.RevisionID
	CreatedBy         domain.UserID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	VoidedAt          *time.Time
	VoidReason        string
}

// Voided reports whether the record has been voided. Voided records keep
// their revision history but accept no further mutation.
func (r Record) Voided() bool {
	return r.Status == domain.StatusVoided
}

// Revision is one immutable-once-finalized version of a record's payload.
// ParentHash chains each revision to the finalized content hash of the
// revision it supersedes; the first revision has an empty parent hash.
type Revision struct {
	ID           domain.RevisionID
	RecordID     domain.RecordID
	Version      int
	ChangeType   domain.ChangeType
	ChangeReason string
	EffectiveAt  *time.Time
	Payload      map[string]any
	ContentHash  string
	ParentHash   string
	CreatedBy    domain.UserID
	CreatedAt    time.Time
	FinalizedAt  *time.Time
	FinalizedBy  *domain.UserID
}

// Finalized reports whether the revision's payload is locked.
func (r Revision) Finalized() bool {
	return r.FinalizedAt != nil
}

// Event is a row in a record's append-only activity log.
type Event struct {
	ID         uuid.UUID
	RecordID   domain.RecordID
	RevisionID *domain.RevisionID
	Action     string
	ActorID    domain.UserID
	ActorName  string
	Detail     map[string]any
	CreatedAt  time.Time
}

// Record event actions.
const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionFinalized    = "finalized"
	ActionAmended      = "amended"
	ActionVoided       = "voided"
	ActionTransitioned = "transitioned"
)

// CreateRequest carries everything needed to open a record with its first
// draft revision. RMID is optional: when empty and an allocator is wired, the
// service allocates one; a caller that already holds an identifier (a thread
// subnumber, say) passes it through.
type CreateRequest struct {
	PortfolioID     domain.PortfolioID
	Base            string
	Module          domain.ModuleType
	ThreadID        *domain.ThreadID
	RMID            string
	RelationKey     string
	RelatedRecordID *domain.RecordID
	Payload         map[string]any
	ChangeReason    string
	EffectiveAt     *time.Time
}

// View pairs a record with its current revision for read paths.
type View struct {
	Record   Record
	Revision Revision
	// OperationalStatus is the derived business-facing status, distinct
	// from the lifecycle status stored on the record.
	OperationalStatus string
}
