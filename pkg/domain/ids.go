// Package domain holds the typed identifiers and small enums shared by every
// feature. Wrapping uuid.UUID in distinct types makes cross-entity mix-ups a
// compile error instead of a data-corruption incident.
package domain

import (
	"github.com/google/uuid"

	dErrors "trustledger/pkg/domain-errors"
)

type (
	// PortfolioID identifies a trust portfolio.
	PortfolioID uuid.UUID
	// RecordID identifies a governance record.
	RecordID uuid.UUID
	// RevisionID identifies one revision of a governance record.
	RevisionID uuid.UUID
	// ThreadID identifies a ledger thread.
	ThreadID uuid.UUID
	// SealID identifies an integrity seal.
	SealID uuid.UUID
	// UserID identifies an authenticated principal.
	UserID uuid.UUID
)

func (id PortfolioID) String() string { return uuid.UUID(id).String() }
func (id RecordID) String() string    { return uuid.UUID(id).String() }
func (id RevisionID) String() string  { return uuid.UUID(id).String() }
func (id ThreadID) String() string    { return uuid.UUID(id).String() }
func (id SealID) String() string      { return uuid.UUID(id).String() }
func (id UserID) String() string      { return uuid.UUID(id).String() }

func (id PortfolioID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id RevisionID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id ThreadID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SealID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id UserID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }

// NewPortfolioID allocates a fresh portfolio identifier.
func NewPortfolioID() PortfolioID { return PortfolioID(uuid.New()) }

// NewRecordID allocates a fresh record identifier.
func NewRecordID() RecordID { return RecordID(uuid.New()) }

// NewRevisionID allocates a fresh revision identifier.
func NewRevisionID() RevisionID { return RevisionID(uuid.New()) }

// NewThreadID allocates a fresh thread identifier.
func NewThreadID() ThreadID { return ThreadID(uuid.New()) }

// NewSealID allocates a fresh seal identifier.
func NewSealID() SealID { return SealID(uuid.New()) }

// NewUserID allocates a fresh user identifier.
func NewUserID() UserID { return UserID(uuid.New()) }

// parseUUID enforces the shared parsing invariant: IDs must be valid,
// non-empty, non-nil UUIDs.
func parseUUID(raw, kind string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s must not be empty", kind)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s is not a valid uuid", kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s must not be the nil uuid", kind)
	}
	return parsed, nil
}

// ParsePortfolioID parses and validates a portfolio identifier.
func ParsePortfolioID(raw string) (PortfolioID, error) {
	u, err := parseUUID(raw, "portfolio_id")
	return PortfolioID(u), err
}

// ParseRecordID parses and validates a record identifier.
func ParseRecordID(raw string) (RecordID, error) {
	u, err := parseUUID(raw, "record_id")
	return RecordID(u), err
}

// ParseRevisionID parses and validates a revision identifier.
func ParseRevisionID(raw string) (RevisionID, error) {
	u, err := parseUUID(raw, "revision_id")
	return RevisionID(u), err
}

// ParseThreadID parses and validates a thread identifier.
func ParseThreadID(raw string) (ThreadID, error) {
	u, err := parseUUID(raw, "thread_id")
	return ThreadID(u), err
}

// ParseSealID parses and validates a seal identifier.
func ParseSealID(raw string) (SealID, error) {
	u, err := parseUUID(raw, "seal_id")
	return SealID(u), err
}

// ParseUserID parses and validates a user identifier.
func ParseUserID(raw string) (UserID, error) {
	u, err := parseUUID(raw, "user_id")
	return UserID(u), err
}
