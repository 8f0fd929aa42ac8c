// Package revision implements the governance record store: records with an
// append-only, hash-chained revision history. Revisions are mutable drafts
// until finalized; finalization fixes a content hash over the canonical
// payload projection and locks the revision permanently.
package revision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustledger/internal/audit"
	"trustledger/internal/lifecycle"
	"trustledger/internal/revision/metrics"
	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/canonical"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/requestcontext"
)

// Allocator is the slice of the RM-ID allocator the record store needs.
type Allocator interface {
	Allocate(ctx context.Context, req rmid.AllocateRequest) (*rmid.AllocationResult, error)
}

// AuditPublisher is the slice of the audit publisher the record store needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service owns record and revision lifecycle.
type Service struct {
	records   RecordStore
	revisions RevisionStore
	events    EventStore
	allocator Allocator
	publisher AuditPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithAuditPublisher attaches audit event emission.
func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithAllocator attaches RM-ID allocation for records created without one.
func WithAllocator(allocator Allocator) Option {
	return func(s *Service) { s.allocator = allocator }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(records RecordStore, revisions RevisionStore, events EventStore, opts ...Option) (*Service, error) {
	if records == nil || revisions == nil || events == nil {
		return nil, fmt.Errorf("revision stores are required")
	}
	svc := &Service{
		records:   records,
		revisions: revisions,
		events:    events,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create inserts a record in draft with its first revision. The revision
// carries the payload unhashed; hashing happens at finalization.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*View, error) {
	if req.PortfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}
	if !req.Module.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown module type %q", req.Module)
	}
	if req.Payload == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "payload is required")
	}

	rmID := req.RMID
	if rmID == "" {
		if s.allocator == nil {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "rm_id is required when no allocator is configured")
		}
		allocated, err := s.allocator.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID:     req.PortfolioID,
			Base:            req.Base,
			Module:          req.Module,
			RelationKey:     req.RelationKey,
			RelatedRecordID: req.RelatedRecordID,
		})
		if err != nil {
			return nil, err
		}
		rmID = allocated.RMID
	}

	// Microsecond precision: created_at participates in the content hash
	// and must survive a TIMESTAMPTZ round trip unchanged.
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	actor := requestcontext.Actor(ctx)
	rec := Record{
		ID:          domain.NewRecordID(),
		PortfolioID: req.PortfolioID,
		ThreadID:    req.ThreadID,
		Module:      req.Module,
		RMID:        rmID,
		Status:      domain.StatusDraft,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rev := Revision{
		ID:           domain.NewRevisionID(),
		RecordID:     rec.ID,
		Version:      1,
		ChangeType:   domain.ChangeInitial,
		ChangeReason: req.ChangeReason,
		EffectiveAt:  req.EffectiveAt,
		Payload:      req.Payload,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
	}
	rec.CurrentRevisionID = rev.ID

	if err := s.records.Insert(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "record %s already exists", rec.ID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert record")
	}
	if err := s.revisions.Insert(ctx, rev); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert initial revision")
	}

	s.appendEvent(ctx, rec.ID, &rev.ID, ActionCreated, req.ChangeReason, map[string]any{"rm_id": rmID})
	s.emitAudit(ctx, audit.EventRecordCreated, rec, map[string]any{
		"rm_id":       rmID,
		"module_type": string(req.Module),
	})
	s.metrics.IncMutation(ActionCreated)
	s.logger.Debug("record created", "record_id", rec.ID.String(), "rm_id", rmID, "module", string(req.Module))
	return &View{Record: rec, Revision: rev}, nil
}

// Update replaces the payload of an unfinalized revision. Finalized revisions
// reject the write outright; amend instead.
func (s *Service) Update(ctx context.Context, revisionID domain.RevisionID, payload map[string]any, reason string) (*Revision, error) {
	if payload == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "payload is required")
	}
	if err := s.revisions.UpdatePayload(ctx, revisionID, payload, reason); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrInvalidState):
			return nil, dErrors.New(dErrors.CodeConflict, "revision is finalized and cannot be modified")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Newf(dErrors.CodeNotFound, "revision %s not found", revisionID)
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "update revision payload")
		}
	}
	rev, err := s.revisions.Get(ctx, revisionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "reload revision")
	}

	s.appendEvent(ctx, rev.RecordID, &rev.ID, ActionUpdated, reason, nil)
	if rec, err := s.records.Get(ctx, rev.RecordID); err == nil {
		s.emitAudit(ctx, audit.EventRevisionUpdated, rec, map[string]any{"version": rev.Version})
	}
	s.metrics.IncMutation(ActionUpdated)
	return &rev, nil
}

// CheckFinalization reports whether a record's newest revision could
// finalize right now, without mutating anything.
func (s *Service) CheckFinalization(ctx context.Context, recordID domain.RecordID) (*lifecycle.FinalizationResult, error) {
	rec, rev, err := s.recordWithLatest(ctx, recordID)
	if err != nil {
		return nil, err
	}
	result := lifecycle.ValidateFinalization(rec.Module, rev.Payload, rec.Status)
	return &result, nil
}

// Finalize locks the record's newest revision: computes its content hash
// over the canonical payload projection, stamps finalized_at/by, and moves
// the record to finalized. On an amendment this is also the moment the
// record repoints: the draft only becomes current once its hash is fixed.
// The store write is conditional, so of two concurrent finalizes exactly
// one hashes; the other observes the lock and is rejected.
func (s *Service) Finalize(ctx context.Context, recordID domain.RecordID) (*View, error) {
	rec, rev, err := s.recordWithLatest(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Voided() {
		return nil, dErrors.New(dErrors.CodeConflict, "voided records cannot be finalized")
	}
	if rev.Finalized() {
		return nil, dErrors.Newf(dErrors.CodeConflict, "revision version %d is already finalized", rev.Version)
	}

	check := lifecycle.ValidateFinalization(rec.Module, rev.Payload, rec.Status)
	if !check.CanFinalize {
		if len(check.MissingRequired) > 0 {
			return nil, dErrors.Newf(dErrors.CodeValidation,
				"cannot finalize: missing required fields %s", strings.Join(check.MissingRequired, ", "))
		}
		return nil, dErrors.New(dErrors.CodeConflict, check.Description)
	}

	hash, err := ContentHash(rev)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "compute content hash")
	}

	now := requestcontext.Now(ctx)
	actor := requestcontext.Actor(ctx)
	if err := s.revisions.Finalize(ctx, rev.ID, hash, actor.ID, now); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrInvalidState):
			// Lost the race: another finalize locked this revision first.
			s.metrics.IncFinalizeConflict()
			return nil, dErrors.Newf(dErrors.CodeConflict, "revision version %d is already finalized", rev.Version)
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Newf(dErrors.CodeNotFound, "revision %s not found", rev.ID)
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "finalize revision")
		}
	}
	if err := s.records.SetCurrent(ctx, rec.ID, rev.ID, domain.StatusFinalized, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "set record current revision")
	}

	rev.ContentHash = hash
	rev.FinalizedAt = &now
	rev.FinalizedBy = &actor.ID
	rec.Status = domain.StatusFinalized
	rec.CurrentRevisionID = rev.ID
	rec.UpdatedAt = now

	s.appendEvent(ctx, rec.ID, &rev.ID, ActionFinalized, "", map[string]any{
		"version":      rev.Version,
		"content_hash": hash,
	})
	s.emitAudit(ctx, audit.EventRecordFinalized, rec, map[string]any{
		"version":      rev.Version,
		"content_hash": canonical.Truncate(hash, 12),
	})
	s.metrics.IncMutation(ActionFinalized)
	s.logger.Info("record finalized",
		"record_id", rec.ID.String(),
		"version", rev.Version,
		"content_hash", canonical.Truncate(hash, 12),
	)
	return &View{Record: rec, Revision: rev}, nil
}

// Amend opens a new draft revision on a finalized record. The amendment's
// parent hash is the finalized content hash it supersedes, extending the
// record's hash chain; the payload starts as a copy of the finalized one.
// The record keeps its RM-ID, and keeps serving the finalized revision as
// current until the amendment itself finalizes.
func (s *Service) Amend(ctx context.Context, recordID domain.RecordID, reason string, effectiveAt *time.Time) (*View, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "change_reason is required for amendments")
	}
	rec, current, err := s.recordWithCurrent(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.ValidateTransition(rec.Module, rec.Status, domain.StatusAmended); err != nil {
		return nil, err
	}
	if !current.Finalized() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation,
			"record holds a final status but its current revision is not finalized")
	}

	if effectiveAt == nil {
		effectiveAt = current.EffectiveAt
	}
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	actor := requestcontext.Actor(ctx)
	amendment := Revision{
		ID:           domain.NewRevisionID(),
		RecordID:     rec.ID,
		Version:      current.Version + 1,
		ChangeType:   domain.ChangeAmendment,
		ChangeReason: reason,
		EffectiveAt:  effectiveAt,
		Payload:      clonePayload(current.Payload),
		ParentHash:   current.ContentHash,
		CreatedBy:    actor.ID,
		CreatedAt:    now,
	}
	if err := s.revisions.Insert(ctx, amendment); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"record already has a revision at version %d", amendment.Version)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert amendment revision")
	}
	if err := s.records.UpdateStatus(ctx, rec.ID, rec.Status, domain.StatusAmended, now); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "record moved out of %s concurrently", rec.Status)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "mark record amended")
	}

	rec.Status = domain.StatusAmended
	rec.UpdatedAt = now

	s.appendEvent(ctx, rec.ID, &amendment.ID, ActionAmended, reason, map[string]any{
		"version":     amendment.Version,
		"parent_hash": amendment.ParentHash,
	})
	s.emitAudit(ctx, audit.EventRecordAmended, rec, map[string]any{
		"version": amendment.Version,
		"reason":  reason,
	})
	s.metrics.IncMutation(ActionAmended)
	return &View{Record: rec, Revision: amendment}, nil
}

// Void retires a record. Terminal: voided records keep their history but
// reject every further mutation, and integrity seals skip them.
func (s *Service) Void(ctx context.Context, recordID domain.RecordID, reason string) (*Record, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a reason is required to void a record")
	}
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	if rec.Voided() {
		return nil, dErrors.New(dErrors.CodeConflict, "record is already voided")
	}

	now := requestcontext.Now(ctx)
	if err := s.records.Void(ctx, recordID, reason, now); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeConflict, "record is already voided")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "void record")
	}

	rec.Status = domain.StatusVoided
	rec.VoidedAt = &now
	rec.VoidReason = reason
	rec.UpdatedAt = now

	s.appendEvent(ctx, rec.ID, nil, ActionVoided, reason, nil)
	s.emitAudit(ctx, audit.EventRecordVoided, rec, map[string]any{"reason": reason})
	s.metrics.IncMutation(ActionVoided)
	return &rec, nil
}

// Transition moves a record along its module's lifecycle path. Finalize,
// amend and void have dedicated operations; all other steps come through
// here.
func (s *Service) Transition(ctx context.Context, recordID domain.RecordID, to domain.RecordStatus) (*Record, error) {
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	if err := lifecycle.ValidateTransition(rec.Module, rec.Status, to); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	if err := s.records.UpdateStatus(ctx, recordID, rec.Status, to, now); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"record moved out of %s concurrently", rec.Status)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "update record status")
	}

	from := rec.Status
	rec.Status = to
	rec.UpdatedAt = now

	s.appendEvent(ctx, rec.ID, nil, ActionTransitioned, "", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	s.emitAudit(ctx, audit.EventRecordTransitioned, rec, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	s.metrics.IncMutation(ActionTransitioned)
	return &rec, nil
}

// Get returns a record with its current revision and derived operational
// status.
func (s *Service) Get(ctx context.Context, recordID domain.RecordID) (*View, error) {
	rec, rev, err := s.recordWithCurrent(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return &View{
		Record:   rec,
		Revision: rev,
		OperationalStatus: lifecycle.DeriveOperationalStatus(
			rec.Module, rec.Status, rev.Payload, rev.EffectiveAt, requestcontext.Now(ctx)),
	}, nil
}

// History returns every revision of a record, oldest first.
func (s *Service) History(ctx context.Context, recordID domain.RecordID) ([]Revision, error) {
	if _, err := s.records.Get(ctx, recordID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	revisions, err := s.revisions.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list revisions")
	}
	return revisions, nil
}

// Events returns the record's activity log.
func (s *Service) Events(ctx context.Context, recordID domain.RecordID) ([]Event, error) {
	events, err := s.events.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list record events")
	}
	return events, nil
}

// List returns a portfolio's records.
func (s *Service) List(ctx context.Context, portfolioID domain.PortfolioID) ([]Record, error) {
	if portfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}
	records, err := s.records.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list records")
	}
	return records, nil
}

func (s *Service) recordWithCurrent(ctx context.Context, recordID domain.RecordID) (Record, Revision, error) {
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Record{}, Revision{}, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return Record{}, Revision{}, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	rev, err := s.revisions.Get(ctx, rec.CurrentRevisionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Record{}, Revision{}, dErrors.Newf(dErrors.CodeInvariantViolation,
				"record %s points at missing revision %s", rec.ID, rec.CurrentRevisionID)
		}
		return Record{}, Revision{}, dErrors.Wrap(err, dErrors.CodeInternal, "load current revision")
	}
	return rec, rev, nil
}

// recordWithLatest resolves the record alongside its newest revision: the
// open amendment draft while one exists, the current revision otherwise.
// Finalization targets this revision, not the current pointer.
func (s *Service) recordWithLatest(ctx context.Context, recordID domain.RecordID) (Record, Revision, error) {
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Record{}, Revision{}, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return Record{}, Revision{}, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	rev, err := s.revisions.Latest(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Record{}, Revision{}, dErrors.Newf(dErrors.CodeInvariantViolation,
				"record %s has no revisions", rec.ID)
		}
		return Record{}, Revision{}, dErrors.Wrap(err, dErrors.CodeInternal, "load latest revision")
	}
	return rec, rev, nil
}

func (s *Service) appendEvent(ctx context.Context, recordID domain.RecordID, revisionID *domain.RevisionID, action, reason string, detail map[string]any) {
	actor := requestcontext.Actor(ctx)
	if reason != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["reason"] = reason
	}
	err := s.events.Append(ctx, Event{
		ID:         uuid.New(),
		RecordID:   recordID,
		RevisionID: revisionID,
		Action:     action,
		ActorID:    actor.ID,
		ActorName:  actor.DisplayName,
		Detail:     detail,
		CreatedAt:  requestcontext.Now(ctx),
	})
	if err != nil {
		s.logger.Warn("record event append failed", "record_id", recordID.String(), "action", action, "error", err)
	}
}

func (s *Service) emitAudit(ctx context.Context, action audit.Action, rec Record, detail map[string]any) {
	if s.publisher == nil {
		return
	}
	category := audit.CategoryOperations
	switch action {
	case audit.EventRecordFinalized, audit.EventRecordAmended, audit.EventRecordVoided:
		category = audit.CategoryCompliance
	}
	err := s.publisher.Emit(ctx, audit.Event{
		Category:    category,
		Action:      action,
		PortfolioID: rec.PortfolioID,
		RecordID:    rec.ID,
		Detail:      detail,
	})
	if err != nil {
		s.logger.Warn("audit emit failed", "action", string(action), "error", err)
	}
}

// ContentHash computes the finalization hash for a revision: a canonical
// digest over the payload (volatile bookkeeping fields stripped) plus the
// identity fields that pin the revision's place in the chain.
func ContentHash(rev Revision) (string, error) {
	return canonical.Digest(map[string]any{
		"payload":     canonical.StripKeys(rev.Payload, VolatileFields...),
		"created_at":  rev.CreatedAt,
		"created_by":  rev.CreatedBy.String(),
		"version":     rev.Version,
		"parent_hash": rev.ParentHash,
	})
}

// clonePayload deep-copies a payload so an amendment's draft cannot alias the
// finalized revision it started from.
func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
