package seal

import (
	"time"

	"trustledger/pkg/domain"
)

// GenesisHash stands in for the previous chain hash of a portfolio's first
// seal.
const GenesisHash = "GENESIS"

// Seal pins one record's content into the portfolio-wide hash chain. Each
// seal links to the seal created before it in the same portfolio.
type Seal struct {
	ID             domain.SealID
	PortfolioID    domain.PortfolioID
	RecordID       domain.RecordID
	RecordHash     string
	ChainHash      string
	PreviousSealID *domain.SealID
	SealedBy       domain.UserID
	SealedAt       time.Time
}

// VerifyStatus classifies a single-record verification.
type VerifyStatus string

const (
	VerifyOK          VerifyStatus = "OK"
	VerifyTampered    VerifyStatus = "TAMPERED"
	VerifyNeverSealed VerifyStatus = "NEVER_SEALED"
)

// VerificationResult reports one record against its seal.
type VerificationResult struct {
	RecordID domain.RecordID
	Status   VerifyStatus
	SealID   domain.SealID
	// SealedHash and CurrentHash differ only for TAMPERED results.
	SealedHash  string
	CurrentHash string
}

// ChainReport is the outcome of walking a portfolio's seal chain.
type ChainReport struct {
	PortfolioID domain.PortfolioID
	Length      int
	Intact      bool
	// BrokenSealID names the first seal that fails linkage or hash
	// recomputation.
	BrokenSealID *domain.SealID
	Description  string
}

// BatchResult summarizes a seal_all run.
type BatchResult struct {
	Sealed  int
	Skipped int
	Failed  int
	Errors  []string
}

// VerifyAllResult aggregates per-record verifications across a portfolio.
type VerifyAllResult struct {
	Valid       int
	Tampered    int
	NeverSealed int
	Results     []VerificationResult
	Errors      []string
}

// CoverageReport compares sealable records against existing seals.
type CoverageReport struct {
	PortfolioID domain.PortfolioID
	Sealable    int
	Sealed      int
	Unsealed    []domain.RecordID
}
