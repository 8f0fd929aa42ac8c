package rmid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustledger/pkg/domain"
)

const (
	// MaxGroup bounds group numbers to two digits; 99 unrelated threads per
	// (portfolio, base) is the hard ceiling.
	MaxGroup = 99
	// MaxSub bounds subnumbers to three digits per group.
	MaxSub = 999
)

// PreviewNewGroup is the sentinel sub shown when no group exists yet for a
// previewed allocation.
const PreviewNewGroup = "[NEW]"

// Group is the per-(portfolio, base, number) counter row. NextSub is the
// subnumber the next allocation in this group will receive.
type Group struct {
	PortfolioID domain.PortfolioID
	Base        string
	Number      int
	NextSub     int
	CreatedAt   time.Time
}

// Allocation is the immutable audit row written for every issued RM-ID.
type Allocation struct {
	ID          uuid.UUID
	PortfolioID domain.PortfolioID
	Base        string
	Group       int
	Sub         int
	RMID        string
	Module      domain.ModuleType
	RelationKey string
	IsNewGroup  bool
	AllocatedBy domain.UserID
	CreatedAt   time.Time
}

// AllocateRequest asks for one RM-ID.
type AllocateRequest struct {
	PortfolioID domain.PortfolioID
	// Base is the portfolio's stored base identifier. When empty a
	// provisional base is synthesized rather than failing.
	Base   string
	Module domain.ModuleType
	// RelationKey groups unrelated calls that should share a group number.
	RelationKey string
	// RelatedRecordID, when set, wins over RelationKey: the new RM-ID joins
	// the related record's group.
	RelatedRecordID *domain.RecordID
}

// AllocationResult is the issued identifier.
type AllocationResult struct {
	RMID       string
	Base       string
	Group      int
	Sub        int
	IsNewGroup bool
}

// PreviewResult shows what the next allocation would produce without
// consuming a subnumber.
type PreviewResult struct {
	Display    string
	Base       string
	Group      int
	Sub        string
	IsNewGroup bool
}

// FormatRMID renders `BASE-GROUP.SUB` with the sub zero-padded to 3 digits.
func FormatRMID(base string, group, sub int) string {
	return fmt.Sprintf("%s-%d.%03d", base, group, sub)
}

// ProvisionalBase synthesizes a base identifier for portfolios that have none
// stored yet. Deterministic per portfolio so previews and allocations agree.
func ProvisionalBase(portfolioID domain.PortfolioID) string {
	return "TP-" + strings.ToUpper(portfolioID.String()[:8])
}

// ParseRMID splits `BASE-GROUP.SUB` back into its parts. The base may itself
// contain hyphens; the group and sub are read from the last hyphen on.
func ParseRMID(rmID string) (base string, group, sub int, err error) {
	cut := strings.LastIndex(rmID, "-")
	if cut <= 0 || cut == len(rmID)-1 {
		return "", 0, 0, fmt.Errorf("malformed rm_id %q", rmID)
	}
	base = rmID[:cut]
	var parsed int
	if parsed, err = fmt.Sscanf(rmID[cut+1:], "%d.%d", &group, &sub); err != nil || parsed != 2 {
		return "", 0, 0, fmt.Errorf("malformed rm_id %q", rmID)
	}
	if group < 1 || group > MaxGroup || sub < 1 || sub > MaxSub {
		return "", 0, 0, fmt.Errorf("rm_id %q out of range", rmID)
	}
	return base, group, sub, nil
}
