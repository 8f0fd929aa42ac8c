package integrity

import (
	"time"

	"trustledger/pkg/domain"
)

// Severity ranks how urgently an issue needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IssueType names a defect class the scanner detects.
type IssueType string

const (
	// IssueOrphanRecord is a record whose current revision is missing.
	IssueOrphanRecord IssueType = "orphan_record"
	// IssueOrphanRevision is a revision whose record no longer exists.
	IssueOrphanRevision IssueType = "orphan_revision"
	// IssueDanglingThread is a record referencing a missing thread.
	IssueDanglingThread IssueType = "dangling_thread_ref"
	// IssueDuplicateRMID is an RM-ID held by more than one record.
	IssueDuplicateRMID IssueType = "duplicate_rm_id"
	// IssueInvalidStatus is a record in a status outside the lifecycle.
	IssueInvalidStatus IssueType = "invalid_status"
	// IssueBrokenChain is a revision history whose hashes do not link.
	IssueBrokenChain IssueType = "broken_hash_chain"
	// IssueMissingRequired is a finalized record missing module-required
	// fields.
	IssueMissingRequired IssueType = "missing_required_fields"
)

// Issue is one detected defect with its suggested remediation.
type Issue struct {
	Type         IssueType
	Severity     Severity
	RecordID     *domain.RecordID
	RevisionID   *domain.RevisionID
	ThreadID     *domain.ThreadID
	RMID         string
	Description  string
	AutoFixable  bool
	SuggestedFix string
}

// Report is the outcome of one portfolio scan. Scans never abort: failures
// reading individual entities land in Errors and the scan continues.
type Report struct {
	PortfolioID    domain.PortfolioID
	StartedAt      time.Time
	FinishedAt     time.Time
	RecordsScanned int
	Issues         []Issue
	Errors         []string
}

// CountBySeverity tallies issues at the given severity.
func (r *Report) CountBySeverity(severity Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			n++
		}
	}
	return n
}

// RepairResult describes one applied repair.
type RepairResult struct {
	Issue       IssueType
	RecordID    *domain.RecordID
	RevisionID  *domain.RevisionID
	Description string
}
