package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/integrity"
	"trustledger/pkg/domain"
)

type issueResponse struct {
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	RecordID     string `json:"record_id,omitempty"`
	RevisionID   string `json:"revision_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	RMID         string `json:"rm_id,omitempty"`
	Description  string `json:"description"`
	AutoFixable  bool   `json:"auto_fixable"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

type scanReportResponse struct {
	PortfolioID    string          `json:"portfolio_id"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	RecordsScanned int             `json:"records_scanned"`
	Issues         []issueResponse `json:"issues"`
	Errors         []string        `json:"errors,omitempty"`
	Critical       int             `json:"critical"`
	High           int             `json:"high"`
	Medium         int             `json:"medium"`
	Low            int             `json:"low"`
}

type repairResultResponse struct {
	Issue       string `json:"issue"`
	RecordID    string `json:"record_id,omitempty"`
	RevisionID  string `json:"revision_id,omitempty"`
	Description string `json:"description"`
}

type repairMergeRequest struct {
	PrimaryID    string   `json:"primary_id"`
	DuplicateIDs []string `json:"duplicate_ids"`
}

func toIssueResponse(issue integrity.Issue) issueResponse {
	out := issueResponse{
		Type:         string(issue.Type),
		Severity:     string(issue.Severity),
		RMID:         issue.RMID,
		Description:  issue.Description,
		AutoFixable:  issue.AutoFixable,
		SuggestedFix: issue.SuggestedFix,
	}
	if issue.RecordID != nil {
		out.RecordID = issue.RecordID.String()
	}
	if issue.RevisionID != nil {
		out.RevisionID = issue.RevisionID.String()
	}
	if issue.ThreadID != nil {
		out.ThreadID = issue.ThreadID.String()
	}
	return out
}

func toRepairResponse(result *integrity.RepairResult) repairResultResponse {
	out := repairResultResponse{
		Issue:       string(result.Issue),
		Description: result.Description,
	}
	if result.RecordID != nil {
		out.RecordID = result.RecordID.String()
	}
	if result.RevisionID != nil {
		out.RevisionID = result.RevisionID.String()
	}
	return out
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.checker.Scan(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := scanReportResponse{
		PortfolioID:    report.PortfolioID.String(),
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		RecordsScanned: report.RecordsScanned,
		Issues:         make([]issueResponse, 0, len(report.Issues)),
		Errors:         report.Errors,
		Critical:       report.CountBySeverity(integrity.SeverityCritical),
		High:           report.CountBySeverity(integrity.SeverityHigh),
		Medium:         report.CountBySeverity(integrity.SeverityMedium),
		Low:            report.CountBySeverity(integrity.SeverityLow),
	}
	for _, issue := range report.Issues {
		out.Issues = append(out.Issues, toIssueResponse(issue))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRepairCreateRevision(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.checker.RepairCreateMissingRevision(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResponse(result))
}

func (h *Handler) handleRepairCoerceStatus(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.checker.RepairCoerceStatus(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResponse(result))
}

func (h *Handler) handleRepairDeleteOrphan(w http.ResponseWriter, r *http.Request) {
	revisionID, err := domain.ParseRevisionID(chi.URLParam(r, "revisionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.checker.RepairDeleteOrphanRevision(r.Context(), revisionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResponse(result))
}

func (h *Handler) handleRepairMergeThreads(w http.ResponseWriter, r *http.Request) {
	var req repairMergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	primaryID, err := domain.ParseThreadID(req.PrimaryID)
	if err != nil {
		writeError(w, err)
		return
	}
	duplicates, err := parseThreadIDs(req.DuplicateIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.checker.RepairMergeThreads(r.Context(), primaryID, duplicates...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResponse(result))
}
