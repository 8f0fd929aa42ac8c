package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/seal"
	"trustledger/pkg/domain"
)

type sealResponse struct {
	ID             string    `json:"id"`
	PortfolioID    string    `json:"portfolio_id"`
	RecordID       string    `json:"record_id"`
	RecordHash     string    `json:"record_hash"`
	ChainHash      string    `json:"chain_hash"`
	PreviousSealID string    `json:"previous_seal_id,omitempty"`
	SealedBy       string    `json:"sealed_by"`
	SealedAt       time.Time `json:"sealed_at"`
}

type verificationResponse struct {
	RecordID    string `json:"record_id"`
	Status      string `json:"status"`
	SealID      string `json:"seal_id,omitempty"`
	SealedHash  string `json:"sealed_hash,omitempty"`
	CurrentHash string `json:"current_hash,omitempty"`
}

type chainReportResponse struct {
	PortfolioID  string `json:"portfolio_id"`
	Length       int    `json:"length"`
	Intact       bool   `json:"intact"`
	BrokenSealID string `json:"broken_seal_id,omitempty"`
	Description  string `json:"description"`
}

type batchResultResponse struct {
	Sealed  int      `json:"sealed"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

type verifyAllResponse struct {
	Valid       int                    `json:"valid"`
	Tampered    int                    `json:"tampered"`
	NeverSealed int                    `json:"never_sealed"`
	Results     []verificationResponse `json:"results"`
	Errors      []string               `json:"errors,omitempty"`
}

type coverageResponse struct {
	PortfolioID string   `json:"portfolio_id"`
	Sealable    int      `json:"sealable"`
	Sealed      int      `json:"sealed"`
	Unsealed    []string `json:"unsealed,omitempty"`
}

func toSealResponse(s *seal.Seal) sealResponse {
	out := sealResponse{
		ID:          s.ID.String(),
		PortfolioID: s.PortfolioID.String(),
		RecordID:    s.RecordID.String(),
		RecordHash:  s.RecordHash,
		ChainHash:   s.ChainHash,
		SealedBy:    s.SealedBy.String(),
		SealedAt:    s.SealedAt,
	}
	if s.PreviousSealID != nil {
		out.PreviousSealID = s.PreviousSealID.String()
	}
	return out
}

func toVerificationResponse(v seal.VerificationResult) verificationResponse {
	out := verificationResponse{
		RecordID:    v.RecordID.String(),
		Status:      string(v.Status),
		SealedHash:  v.SealedHash,
		CurrentHash: v.CurrentHash,
	}
	if !v.SealID.IsNil() {
		out.SealID = v.SealID.String()
	}
	return out
}

func (h *Handler) handleCreateSeal(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	sealed, err := h.seals.CreateSeal(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSealResponse(sealed))
}

func (h *Handler) handleVerifySeal(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.seals.Verify(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationResponse(*result))
}

func (h *Handler) handleSealAll(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.seals.SealAllFinalized(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResultResponse{
		Sealed:  result.Sealed,
		Skipped: result.Skipped,
		Failed:  result.Failed,
		Errors:  result.Errors,
	})
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.seals.VerifyChain(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := chainReportResponse{
		PortfolioID: report.PortfolioID.String(),
		Length:      report.Length,
		Intact:      report.Intact,
		Description: report.Description,
	}
	if report.BrokenSealID != nil {
		out.BrokenSealID = report.BrokenSealID.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.seals.VerifyAll(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := verifyAllResponse{
		Valid:       result.Valid,
		Tampered:    result.Tampered,
		NeverSealed: result.NeverSealed,
		Results:     make([]verificationResponse, 0, len(result.Results)),
		Errors:      result.Errors,
	}
	for _, v := range result.Results {
		out.Results = append(out.Results, toVerificationResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCoverage(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.seals.Coverage(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := coverageResponse{
		PortfolioID: report.PortfolioID.String(),
		Sealable:    report.Sealable,
		Sealed:      report.Sealed,
	}
	for _, id := range report.Unsealed {
		out.Unsealed = append(out.Unsealed, id.String())
	}
	writeJSON(w, http.StatusOK, out)
}
