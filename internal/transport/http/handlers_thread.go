package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/thread"
	"trustledger/pkg/domain"
	platformstrings "trustledger/pkg/platform/strings"
)

type createThreadRequest struct {
	PortfolioID string `json:"portfolio_id"`
	Base        string `json:"base,omitempty"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Party       string `json:"party,omitempty"`
}

type threadResponse struct {
	ID          string     `json:"id"`
	PortfolioID string     `json:"portfolio_id"`
	Base        string     `json:"base"`
	Group       int        `json:"group"`
	Title       string     `json:"title"`
	Category    string     `json:"category,omitempty"`
	Party       string     `json:"party,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type subAllocationResponse struct {
	ThreadID string `json:"thread_id"`
	RMID     string `json:"rm_id"`
	Group    int    `json:"group"`
	Sub      int    `json:"sub"`
}

type suggestionResponse struct {
	Outcome    string           `json:"outcome"`
	Thread     *threadResponse  `json:"thread,omitempty"`
	Candidates []threadResponse `json:"candidates,omitempty"`
}

type mergeThreadsRequest struct {
	DuplicateIDs []string `json:"duplicate_ids"`
}

func toThreadResponse(t thread.Thread) threadResponse {
	return threadResponse{
		ID:          t.ID.String(),
		PortfolioID: t.PortfolioID.String(),
		Base:        t.Base,
		Group:       t.Group,
		Title:       t.Title,
		Category:    t.Category,
		Party:       t.Party,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DeletedAt:   t.DeletedAt,
	}
}

func (h *Handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	portfolioID, err := domain.ParsePortfolioID(req.PortfolioID)
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := h.threads.Create(r.Context(), thread.CreateRequest{
		PortfolioID: portfolioID,
		Base:        req.Base,
		Title:       req.Title,
		Category:    req.Category,
		Party:       req.Party,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toThreadResponse(*created))
}

func (h *Handler) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := domain.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	found, err := h.threads.Get(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toThreadResponse(*found))
}

func (h *Handler) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := domain.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.threads.Delete(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAllocateSub(w http.ResponseWriter, r *http.Request) {
	threadID, err := domain.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	allocation, err := h.threads.AllocateSub(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subAllocationResponse{
		ThreadID: allocation.ThreadID.String(),
		RMID:     allocation.RMID,
		Group:    allocation.Group,
		Sub:      allocation.Sub,
	})
}

func (h *Handler) handlePreviewSub(w http.ResponseWriter, r *http.Request) {
	threadID, err := domain.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := h.threads.Preview(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"next_rm_id": next})
}

func (h *Handler) handleMergeThreads(w http.ResponseWriter, r *http.Request) {
	primaryID, err := domain.ParseThreadID(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req mergeThreadsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	duplicates, err := parseThreadIDs(req.DuplicateIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	moved, err := h.threads.Merge(r.Context(), primaryID, duplicates...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"records_moved": moved})
}

func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	base := query.Get("base")

	var threads []thread.Thread
	if q, category := query.Get("q"), query.Get("category"); q != "" || category != "" {
		threads, err = h.threads.Search(r.Context(), portfolioID, base, thread.SearchFilter{
			Query:    q,
			Category: category,
		})
	} else {
		threads, err = h.threads.List(r.Context(), portfolioID, base)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]threadResponse, 0, len(threads))
	for _, t := range threads {
		out = append(out, toThreadResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSuggestThread(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := domain.ParsePortfolioID(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()

	suggestion, err := h.threads.Suggest(r.Context(), portfolioID,
		query.Get("base"), query.Get("party"), query.Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := suggestionResponse{Outcome: string(suggestion.Outcome)}
	if suggestion.Thread != nil {
		t := toThreadResponse(*suggestion.Thread)
		resp.Thread = &t
	}
	for _, candidate := range suggestion.Candidates {
		resp.Candidates = append(resp.Candidates, toThreadResponse(candidate))
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseThreadIDs trims and dedupes the raw list before parsing, so a sloppy
// merge request cannot name the same thread twice.
func parseThreadIDs(raw []string) ([]domain.ThreadID, error) {
	raw = platformstrings.DedupeAndTrim(raw)
	out := make([]domain.ThreadID, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseThreadID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
