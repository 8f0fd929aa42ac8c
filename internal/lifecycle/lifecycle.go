// Package lifecycle is the single authority over legal status transitions
// and derived operational status. The revision store keeps a local
// draft/finalized flag per revision; this package decides what the record as
// a whole may do next, so module nuances are enforced in one place.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

// Transition is one legal next step for a record.
type Transition struct {
	Status               domain.RecordStatus `json:"status"`
	Label                string              `json:"label"`
	RequiresConfirmation bool                `json:"requires_confirmation"`
}

// moduleConfig fixes, per module, the path from draft to finalized, the
// payload fields that must be present to finalize, and the payload keys that
// override the derived operational status once final.
type moduleConfig struct {
	// path runs from draft to finalized inclusive. Modules with governance
	// approval requirements route through the optional middle states.
	path     []domain.RecordStatus
	required []string
	// overrides are checked in order; the first truthy key wins.
	overrides []string
}

var directPath = []domain.RecordStatus{domain.StatusDraft, domain.StatusFinalized}

var approvalPath = []domain.RecordStatus{
	domain.StatusDraft,
	domain.StatusPendingApproval,
	domain.StatusApproved,
	domain.StatusExecuted,
	domain.StatusFinalized,
}

var configs = map[domain.ModuleType]moduleConfig{
	domain.ModuleMinutes: {
		path:     directPath,
		required: []string{"meeting_date", "summary"},
	},
	domain.ModuleDispute: {
		path:     directPath,
		required: []string{"claimant", "description"},
	},
	domain.ModuleInsurance: {
		path:      directPath,
		required:  []string{"carrier", "policy_number", "effective_date"},
		overrides: []string{"lapsed", "surrendered", "claimed", "expired"},
	},
	// Distributions and trustee compensation move money:
	// approval and execution are mandatory before finalize.
	domain.ModuleDistribution: {
		path:      approvalPath,
		required:  []string{"amount", "beneficiary", "distribution_date"},
		overrides: []string{"reversed"},
	},
	domain.ModuleCompensation: {
		path:      approvalPath,
		required:  []string{"trustee", "amount", "period"},
		overrides: []string{"paid"},
	},
}

var transitionLabels = map[domain.RecordStatus]string{
	domain.StatusPendingApproval: "Submit for approval",
	domain.StatusApproved:        "Approve",
	domain.StatusExecuted:        "Mark executed",
	domain.StatusFinalized:       "Finalize",
	domain.StatusAttested:        "Attest",
	domain.StatusAmended:         "Amend",
	domain.StatusVoided:          "Void",
}

// RequiredFields returns the payload fields a module demands at finalization.
func RequiredFields(module domain.ModuleType) []string {
	cfg, ok := configs[module]
	if !ok {
		return nil
	}
	out := make([]string, len(cfg.required))
	copy(out, cfg.required)
	return out
}

// Transitions returns the legal next statuses for a record in the given
// state. Irreversible steps carry RequiresConfirmation.
func Transitions(module domain.ModuleType, status domain.RecordStatus) []Transition {
	cfg, ok := configs[module]
	if !ok {
		return nil
	}

	var out []Transition
	if next, ok := nextOnPath(cfg.path, status); ok {
		out = append(out, Transition{
			Status:               next,
			Label:                transitionLabels[next],
			RequiresConfirmation: next == domain.StatusFinalized,
		})
	}
	switch status {
	case domain.StatusFinalized:
		out = append(out,
			Transition{Status: domain.StatusAttested, Label: transitionLabels[domain.StatusAttested]},
			Transition{Status: domain.StatusAmended, Label: transitionLabels[domain.StatusAmended]},
		)
	case domain.StatusAttested:
		out = append(out, Transition{Status: domain.StatusAmended, Label: transitionLabels[domain.StatusAmended]})
	case domain.StatusAmended:
		out = append(out, Transition{
			Status:               domain.StatusFinalized,
			Label:                transitionLabels[domain.StatusFinalized],
			RequiresConfirmation: true,
		})
	}
	if status != domain.StatusVoided {
		out = append(out, Transition{
			Status:               domain.StatusVoided,
			Label:                transitionLabels[domain.StatusVoided],
			RequiresConfirmation: true,
		})
	}
	return out
}

// ValidateTransition rejects any step Transitions would not offer.
func ValidateTransition(module domain.ModuleType, from, to domain.RecordStatus) error {
	if !module.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown module type %q", module)
	}
	if !to.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown status %q", to)
	}
	for _, transition := range Transitions(module, from) {
		if transition.Status == to {
			return nil
		}
	}
	return dErrors.Newf(dErrors.CodeConflict,
		"%s records cannot move from %s to %s", module, from, to)
}

// FinalizationResult reports whether a record may finalize and what would
// become immutable if it did.
type FinalizationResult struct {
	CanFinalize     bool
	MissingRequired []string
	// RequiredStatus is the state a record must hold before finalizing.
	RequiredStatus domain.RecordStatus
	Description    string
}

// ValidateFinalization checks module-required fields and the record's
// position on the lifecycle path.
func ValidateFinalization(module domain.ModuleType, payload map[string]any, status domain.RecordStatus) FinalizationResult {
	cfg, ok := configs[module]
	if !ok {
		return FinalizationResult{Description: fmt.Sprintf("unknown module type %q", module)}
	}

	// The state immediately before finalized on the module's path, or
	// amended for records finalizing an amendment.
	requiredStatus := cfg.path[len(cfg.path)-2]

	result := FinalizationResult{RequiredStatus: requiredStatus}
	for _, field := range cfg.required {
		if IsBlank(payload[field]) {
			result.MissingRequired = append(result.MissingRequired, field)
		}
	}

	statusOK := status == requiredStatus || status == domain.StatusAmended
	result.CanFinalize = statusOK && len(result.MissingRequired) == 0

	switch {
	case !statusOK:
		result.Description = fmt.Sprintf(
			"%s records finalize from %s; this record is %s", module, requiredStatus, status)
	case len(result.MissingRequired) > 0:
		result.Description = fmt.Sprintf(
			"missing required fields: %s", strings.Join(result.MissingRequired, ", "))
	default:
		result.Description = fmt.Sprintf(
			"finalizing locks this %s record's content permanently; fields %s become immutable",
			module, strings.Join(cfg.required, ", "))
	}
	return result
}

// DeriveOperationalStatus computes the module-specific business status from
// the lifecycle state, the payload, and the effective window.
//
// Draft and voided records never report an active-like status, whatever the
// payload claims; date-sensitive derivation applies only from finalized
// onward.
func DeriveOperationalStatus(module domain.ModuleType, status domain.RecordStatus, payload map[string]any, effectiveDate *time.Time, now time.Time) string {
	if status == domain.StatusVoided {
		return "voided"
	}
	if !status.IsFinal() {
		return string(status)
	}

	cfg := configs[module]
	for _, key := range cfg.overrides {
		if isTruthy(payload[key]) {
			return key
		}
	}

	switch module {
	case domain.ModuleInsurance:
		if effectiveDate != nil && effectiveDate.After(now) {
			return "scheduled"
		}
		return "active"
	case domain.ModuleDistribution:
		return "distributed"
	case domain.ModuleCompensation:
		return "payable"
	case domain.ModuleDispute:
		if !IsBlank(payload["resolution"]) {
			return "resolved"
		}
		return "open"
	case domain.ModuleMinutes:
		return "recorded"
	default:
		return string(status)
	}
}

// IsBlank reports whether a payload value counts as missing for required-field
// checks: nil, or a string that is empty once whitespace is trimmed. Non-string
// values are never blank.
func IsBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && !strings.EqualFold(val, "false")
	case nil:
		return false
	default:
		return true
	}
}

func nextOnPath(path []domain.RecordStatus, status domain.RecordStatus) (domain.RecordStatus, bool) {
	for i, step := range path[:len(path)-1] {
		if step == status {
			return path[i+1], true
		}
	}
	return "", false
}
