package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
)

type allocateRequest struct {
	PortfolioID     string `json:"portfolio_id"`
	Base            string `json:"base,omitempty"`
	Module          string `json:"module"`
	RelationKey     string `json:"relation_key,omitempty"`
	RelatedRecordID string `json:"related_record_id,omitempty"`
}

type allocationResponse struct {
	RMID       string `json:"rm_id"`
	Base       string `json:"base"`
	Group      int    `json:"group"`
	Sub        int    `json:"sub"`
	IsNewGroup bool   `json:"is_new_group"`
}

type previewResponse struct {
	Display    string `json:"display"`
	Base       string `json:"base"`
	Group      int    `json:"group"`
	Sub        string `json:"sub"`
	IsNewGroup bool   `json:"is_new_group"`
}

type allocationHistoryEntry struct {
	RMID        string    `json:"rm_id"`
	Module      string    `json:"module"`
	Group       int       `json:"group"`
	Sub         int       `json:"sub"`
	RelationKey string    `json:"relation_key,omitempty"`
	IsNewGroup  bool      `json:"is_new_group"`
	AllocatedBy string    `json:"allocated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r allocateRequest) toDomain() (rmid.AllocateRequest, error) {
	portfolioID, err := domain.ParsePortfolioID(r.PortfolioID)
	if err != nil {
		return rmid.AllocateRequest{}, err
	}
	req := rmid.AllocateRequest{
		PortfolioID: portfolioID,
		Base:        r.Base,
		Module:      domain.ModuleType(r.Module),
		RelationKey: r.RelationKey,
	}
	if r.RelatedRecordID != "" {
		recordID, err := domain.ParseRecordID(r.RelatedRecordID)
		if err != nil {
			return rmid.AllocateRequest{}, err
		}
		req.RelatedRecordID = &recordID
	}
	return req, nil
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	domainReq, err := req.toDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.allocator.Allocate(r.Context(), domainReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, allocationResponse{
		RMID:       result.RMID,
		Base:       result.Base,
		Group:      result.Group,
		Sub:        result.Sub,
		IsNewGroup: result.IsNewGroup,
	})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	domainReq, err := req.toDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.allocator.Preview(r.Context(), domainReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Display:    result.Display,
		Base:       result.Base,
		Group:      result.Group,
		Sub:        result.Sub,
		IsNewGroup: result.IsNewGroup,
	})
}

func (h *Handler) handleAllocationHistory(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}

	allocations, err := h.allocator.History(r.Context(), portfolioID, r.URL.Query().Get("base"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]allocationHistoryEntry, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, allocationHistoryEntry{
			RMID:        a.RMID,
			Module:      string(a.Module),
			Group:       a.Group,
			Sub:         a.Sub,
			RelationKey: a.RelationKey,
			IsNewGroup:  a.IsNewGroup,
			AllocatedBy: a.AllocatedBy.String(),
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
