package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/lifecycle"
	"trustledger/internal/revision"
	"trustledger/pkg/domain"
)

// RecordService is the slice of the revision service the routes use.
type RecordService interface {
	Create(ctx context.Context, req revision.CreateRequest) (*revision.View, error)
	Update(ctx context.Context, revisionID domain.RevisionID, payload map[string]any, reason string) (*revision.Revision, error)
	CheckFinalization(ctx context.Context, recordID domain.RecordID) (*lifecycle.FinalizationResult, error)
	Finalize(ctx context.Context, recordID domain.RecordID) (*revision.View, error)
	Amend(ctx context.Context, recordID domain.RecordID, reason string, effectiveAt *time.Time) (*revision.View, error)
	Void(ctx context.Context, recordID domain.RecordID, reason string) (*revision.Record, error)
	Transition(ctx context.Context, recordID domain.RecordID, to domain.RecordStatus) (*revision.Record, error)
	Get(ctx context.Context, recordID domain.RecordID) (*revision.View, error)
	History(ctx context.Context, recordID domain.RecordID) ([]revision.Revision, error)
	Events(ctx context.Context, recordID domain.RecordID) ([]revision.Event, error)
	List(ctx context.Context, portfolioID domain.PortfolioID) ([]revision.Record, error)
}

type createRecordRequest struct {
	PortfolioID     string         `json:"portfolio_id"`
	Base            string         `json:"base,omitempty"`
	Module          string         `json:"module"`
	ThreadID        string         `json:"thread_id,omitempty"`
	RMID            string         `json:"rm_id,omitempty"`
	RelationKey     string         `json:"relation_key,omitempty"`
	Payload         map[string]any `json:"payload"`
	ChangeReason    string         `json:"change_reason,omitempty"`
	EffectiveAt     *time.Time     `json:"effective_at,omitempty"`
	RelatedRecordID string         `json:"related_record_id,omitempty"`
}

type updateRevisionRequest struct {
	Payload      map[string]any `json:"payload"`
	ChangeReason string         `json:"change_reason,omitempty"`
}

type amendRequest struct {
	Reason      string     `json:"reason"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type transitionRequest struct {
	To string `json:"to"`
}

type recordResponse struct {
	ID                string     `json:"id"`
	PortfolioID       string     `json:"portfolio_id"`
	ThreadID          string     `json:"thread_id,omitempty"`
	Module            string     `json:"module"`
	RMID              string     `json:"rm_id"`
	Status            string     `json:"status"`
	CurrentRevisionID string     `json:"current_revision_id"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	VoidedAt          *time.Time `json:"voided_at,omitempty"`
	VoidReason        string     `json:"void_reason,omitempty"`
}

type revisionResponse struct {
	ID           string         `json:"id"`
	RecordID     string         `json:"record_id"`
	Version      int            `json:"version"`
	ChangeType   string         `json:"change_type"`
	ChangeReason string         `json:"change_reason,omitempty"`
	EffectiveAt  *time.Time     `json:"effective_at,omitempty"`
	Payload      map[string]any `json:"payload"`
	ContentHash  string         `json:"content_hash,omitempty"`
	ParentHash   string         `json:"parent_hash,omitempty"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	FinalizedAt  *time.Time     `json:"finalized_at,omitempty"`
	FinalizedBy  string         `json:"finalized_by,omitempty"`
}

type viewResponse struct {
	Record            recordResponse   `json:"record"`
	Revision          revisionResponse `json:"revision"`
	OperationalStatus string           `json:"operational_status"`
}

type finalizationResponse struct {
	CanFinalize     bool     `json:"can_finalize"`
	MissingRequired []string `json:"missing_required,omitempty"`
	RequiredStatus  string   `json:"required_status"`
	Description     string   `json:"description"`
}

type eventResponse struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	RevisionID string         `json:"revision_id,omitempty"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	ActorName  string         `json:"actor_name,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toRecordResponse(rec revision.Record) recordResponse {
	out := recordResponse{
		ID:                rec.ID.String(),
		PortfolioID:       rec.PortfolioID.String(),
		Module:            string(rec.Module),
		RMID:              rec.RMID,
		Status:            string(rec.Status),
		CurrentRevisionID: rec.CurrentRevisionID.String(),
		CreatedBy:         rec.CreatedBy.String(),
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
		VoidedAt:          rec.VoidedAt,
		VoidReason:        rec.VoidReason,
	}
	if rec.ThreadID != nil {
		out.ThreadID = rec.ThreadID.String()
	}
	return out
}

func toRevisionResponse(rev revision.Revision) revisionResponse {
	out := revisionResponse{
		ID:           rev.ID.String(),
		RecordID:     rev.RecordID.String(),
		Version:      rev.Version,
		ChangeType:   string(rev.ChangeType),
		ChangeReason: rev.ChangeReason,
		EffectiveAt:  rev.EffectiveAt,
		Payload:      rev.Payload,
		ContentHash:  rev.ContentHash,
		ParentHash:   rev.ParentHash,
		CreatedBy:    rev.CreatedBy.String(),
		CreatedAt:    rev.CreatedAt,
		FinalizedAt:  rev.FinalizedAt,
	}
	if rev.FinalizedBy != nil {
		out.FinalizedBy = rev.FinalizedBy.String()
	}
	return out
}

func toViewResponse(view *revision.View) viewResponse {
	return viewResponse{
		Record:            toRecordResponse(view.Record),
		Revision:          toRevisionResponse(view.Revision),
		OperationalStatus: view.OperationalStatus,
	}
}

func (h *Handler) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	portfolioID, err := domain.ParsePortfolioID(req.PortfolioID)
	if err != nil {
		writeError(w, err)
		return
	}

	domainReq := revision.CreateRequest{
		PortfolioID:  portfolioID,
		Base:         req.Base,
		Module:       domain.ModuleType(req.Module),
		RMID:         req.RMID,
		RelationKey:  req.RelationKey,
		Payload:      req.Payload,
		ChangeReason: req.ChangeReason,
		EffectiveAt:  req.EffectiveAt,
	}
	if req.ThreadID != "" {
		threadID, err := domain.ParseThreadID(req.ThreadID)
		if err != nil {
			writeError(w, err)
			return
		}
		domainReq.ThreadID = &threadID
	}
	if req.RelatedRecordID != "" {
		recordID, err := domain.ParseRecordID(req.RelatedRecordID)
		if err != nil {
			writeError(w, err)
			return
		}
		domainReq.RelatedRecordID = &recordID
	}

	view, err := h.records.Create(r.Context(), domainReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toViewResponse(view))
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.records.Get(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewResponse(view))
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := h.records.List(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUpdateRevision(w http.ResponseWriter, r *http.Request) {
	revisionID, err := domain.ParseRevisionID(chi.URLParam(r, "revisionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateRevisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	updated, err := h.records.Update(r.Context(), revisionID, req.Payload, req.ChangeReason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevisionResponse(*updated))
}

func (h *Handler) handleCheckFinalization(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.records.CheckFinalization(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizationResponse{
		CanFinalize:     result.CanFinalize,
		MissingRequired: result.MissingRequired,
		RequiredStatus:  string(result.RequiredStatus),
		Description:     result.Description,
	})
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.records.Finalize(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewResponse(view))
}

func (h *Handler) handleAmend(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req amendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.records.Amend(r.Context(), recordID, req.Reason, req.EffectiveAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toViewResponse(view))
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req voidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	voided, err := h.records.Void(r.Context(), recordID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(*voided))
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	moved, err := h.records.Transition(r.Context(), recordID, domain.RecordStatus(req.To))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(*moved))
}

func (h *Handler) handleAvailableTransitions(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.records.Get(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	transitions := lifecycle.Transitions(view.Record.Module, view.Record.Status)
	if transitions == nil {
		transitions = []lifecycle.Transition{}
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	revisions, err := h.records.History(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]revisionResponse, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, toRevisionResponse(rev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	recordID, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.records.Events(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		entry := eventResponse{
			ID:        ev.ID.String(),
			RecordID:  ev.RecordID.String(),
			Action:    ev.Action,
			ActorID:   ev.ActorID.String(),
			ActorName: ev.ActorName,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt,
		}
		if ev.RevisionID != nil {
			entry.RevisionID = ev.RevisionID.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}
