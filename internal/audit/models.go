package audit

import (
	"time"

	"github.com/google/uuid"

	"trustledger/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention.
	// Examples: record finalization, amendments, voids, seal creation.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics. Examples: tamper detections, chain breaks.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. Examples: allocations, scans, repairs.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID          uuid.UUID
	Category    EventCategory
	Timestamp   time.Time
	Action      Action
	ActorID     domain.UserID
	ActorName   string
	PortfolioID domain.PortfolioID
	RecordID    domain.RecordID
	Reason      string
	RequestID   string
	Detail      map[string]any
}

// Action names an auditable action.
type Action string

const (
	// Allocator events
	EventRMIDAllocated Action = "rm_id_allocated"

	// Thread events
	EventThreadCreated   Action = "thread_created"
	EventThreadDeleted   Action = "thread_deleted"
	EventThreadsMerged   Action = "threads_merged"
	EventSubnumberIssued Action = "subnumber_issued"

	// Record lifecycle events
	EventRecordCreated      Action = "record_created"
	EventRevisionUpdated    Action = "revision_updated"
	EventRecordFinalized    Action = "record_finalized"
	EventRecordAmended      Action = "record_amended"
	EventRecordVoided       Action = "record_voided"
	EventRecordTransitioned Action = "record_transitioned"

	// Seal events
	EventSealCreated    Action = "seal_created"
	EventTamperDetected Action = "tamper_detected"
	EventChainBreak     Action = "seal_chain_break"

	// Integrity events
	EventScanCompleted Action = "integrity_scan_completed"
	EventRepairApplied Action = "integrity_repair_applied"
)
