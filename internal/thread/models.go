package thread

import (
	"time"

	"trustledger/pkg/domain"
)

// Thread is an explicitly-managed identifier group: the UI-facing counterpart
// of the allocator's implicit relation grouping. A thread owns one group
// number within (portfolio, base) and hands out subnumbers from the shared
// group table.
type Thread struct {
	ID          domain.ThreadID
	PortfolioID domain.PortfolioID
	Base        string
	Group       int
	Title       string
	Category    string
	Party       string
	CreatedBy   domain.UserID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the thread has been soft-deleted.
func (t Thread) Deleted() bool { return t.DeletedAt != nil }

// CreateRequest opens a new thread with a fresh group number.
type CreateRequest struct {
	PortfolioID domain.PortfolioID
	Base        string
	Title       string
	Category    string
	Party       string
}

// SubAllocation is one subnumber issued from a thread.
type SubAllocation struct {
	ThreadID domain.ThreadID
	RMID     string
	Group    int
	Sub      int
}

// Match classifies a suggestion outcome.
type Match string

const (
	MatchExact     Match = "exact"
	MatchAmbiguous Match = "ambiguous"
	MatchNone      Match = "none"
)

// Suggestion is the result of matching a (party, category) pair against the
// portfolio's threads.
type Suggestion struct {
	Outcome Match
	// Thread is set only for exact matches.
	Thread *Thread
	// Candidates carries the competing threads for ambiguous matches.
	Candidates []Thread
}

// SearchFilter narrows thread listings. Zero values mean no constraint.
type SearchFilter struct {
	Query    string
	Category string
}
