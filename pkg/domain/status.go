package domain

// RecordStatus is the canonical workflow state of a governance record. It is
// distinct from module-specific operational status (e.g. insurance
// active/lapsed), which is derived, never stored.
type RecordStatus string

const (
	StatusDraft           RecordStatus = "draft"
	StatusPendingApproval RecordStatus = "pending_approval"
	StatusApproved        RecordStatus = "approved"
	StatusExecuted        RecordStatus = "executed"
	StatusFinalized       RecordStatus = "finalized"
	StatusAttested        RecordStatus = "attested"
	StatusAmended         RecordStatus = "amended"
	StatusVoided          RecordStatus = "voided"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s RecordStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusExecuted,
		StatusFinalized, StatusAttested, StatusAmended, StatusVoided:
		return true
	}
	return false
}

// IsFinal reports whether the record has passed finalization: finalized,
// attested, and amended records are immutable on their finalized revisions
// and are the only states eligible for sealing.
func (s RecordStatus) IsFinal() bool {
	return s == StatusFinalized || s == StatusAttested || s == StatusAmended
}

// ChangeType classifies a revision within a record's history.
type ChangeType string

const (
	ChangeInitial   ChangeType = "initial"
	ChangeAmendment ChangeType = "amendment"
)
