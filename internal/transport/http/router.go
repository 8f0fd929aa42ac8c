// Package httptransport is the thin HTTP layer over the governance services.
// Handlers decode, delegate, and encode; business rules live in the
// services.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustledger/internal/integrity"
	"trustledger/internal/rmid"
	"trustledger/internal/seal"
	"trustledger/internal/thread"
	"trustledger/pkg/platform/middleware/admin"
	"trustledger/pkg/platform/middleware/auth"
	"trustledger/pkg/platform/middleware/metadata"
	"trustledger/pkg/platform/middleware/requestid"
	"trustledger/pkg/platform/middleware/requesttime"
	"trustledger/pkg/requestcontext"
)

const requestTimeout = 30 * time.Second

// Handler carries the services the routes delegate to.
type Handler struct {
	logger     *slog.Logger
	allocator  *rmid.Service
	threads    *thread.Service
	records    RecordService
	seals      *seal.Service
	checker    *integrity.Service
	validator  auth.Validator
	adminToken string
}

// New assembles the handler. The admin token guards repair routes; when
// empty those routes always refuse.
func New(
	allocator *rmid.Service,
	threads *thread.Service,
	records RecordService,
	seals *seal.Service,
	checker *integrity.Service,
	validator auth.Validator,
	adminToken string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		logger:     logger,
		allocator:  allocator,
		threads:    threads,
		records:    records,
		seals:      seals,
		checker:    checker,
		validator:  validator,
		adminToken: adminToken,
	}
}

// NewRouter wires every exposed operation under /v1. All routes require a
// bearer token; repair routes additionally require the admin token.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(h.logRequests)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth.RequireAuth(h.validator, h.logger))

		v1.Post("/rmids/allocate", h.handleAllocate)
		v1.Post("/rmids/preview", h.handlePreview)
		v1.Get("/portfolios/{portfolioID}/allocations", h.handleAllocationHistory)

		v1.Post("/threads", h.handleCreateThread)
		v1.Get("/threads/{threadID}", h.handleGetThread)
		v1.Delete("/threads/{threadID}", h.handleDeleteThread)
		v1.Post("/threads/{threadID}/subnumbers", h.handleAllocateSub)
		v1.Get("/threads/{threadID}/subnumbers/next", h.handlePreviewSub)
		v1.Post("/threads/{threadID}/merge", h.handleMergeThreads)
		v1.Get("/portfolios/{portfolioID}/threads", h.handleListThreads)
		v1.Get("/portfolios/{portfolioID}/threads/suggest", h.handleSuggestThread)

		v1.Post("/records", h.handleCreateRecord)
		v1.Get("/records/{recordID}", h.handleGetRecord)
		v1.Get("/portfolios/{portfolioID}/records", h.handleListRecords)
		v1.Patch("/revisions/{revisionID}", h.handleUpdateRevision)
		v1.Get("/records/{recordID}/finalization", h.handleCheckFinalization)
		v1.Post("/records/{recordID}/finalize", h.handleFinalize)
		v1.Post("/records/{recordID}/amend", h.handleAmend)
		v1.Post("/records/{recordID}/void", h.handleVoid)
		v1.Post("/records/{recordID}/transition", h.handleTransition)
		v1.Get("/records/{recordID}/transitions", h.handleAvailableTransitions)
		v1.Get("/records/{recordID}/history", h.handleHistory)
		v1.Get("/records/{recordID}/events", h.handleEvents)

		v1.Post("/records/{recordID}/seal", h.handleCreateSeal)
		v1.Get("/records/{recordID}/seal/verification", h.handleVerifySeal)
		v1.Post("/portfolios/{portfolioID}/seals", h.handleSealAll)
		v1.Get("/portfolios/{portfolioID}/seals/chain", h.handleVerifyChain)
		v1.Get("/portfolios/{portfolioID}/seals/verification", h.handleVerifyAll)
		v1.Get("/portfolios/{portfolioID}/seals/coverage", h.handleCoverage)

		v1.Post("/portfolios/{portfolioID}/integrity/scan", h.handleScan)

		v1.Group(func(repairs chi.Router) {
			repairs.Use(admin.RequireAdminToken(h.adminToken, h.logger))
			repairs.Post("/records/{recordID}/repairs/revision", h.handleRepairCreateRevision)
			repairs.Post("/records/{recordID}/repairs/status", h.handleRepairCoerceStatus)
			repairs.Delete("/revisions/{revisionID}/repairs/orphan", h.handleRepairDeleteOrphan)
			repairs.Post("/threads/repairs/merge", h.handleRepairMergeThreads)
		})
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ctx := r.Context()
		h.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", metadata.GetClientIP(ctx),
			"user_agent", metadata.GetUserAgent(ctx),
			"request_id", requestcontext.RequestID(ctx),
		)
	})
}
