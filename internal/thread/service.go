// Package thread implements the ledger thread registry: explicit, named
// identifier groups created by users rather than inferred from relation
// hints. Threads share group-space with the allocator, so a thread's group
// number can never collide with an implicitly allocated one.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"trustledger/internal/audit"
	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/requestcontext"
)

const maxReserveAttempts = 50

// RecordRefCounter reports how many live records still reference a thread.
// The revision feature's record store provides the production implementation.
type RecordRefCounter interface {
	CountActiveByThread(ctx context.Context, threadID domain.ThreadID) (int, error)
}

// RecordRepointer moves records between threads during a merge.
type RecordRepointer interface {
	Repoint(ctx context.Context, from, to domain.ThreadID) (int, error)
}

// AuditPublisher is the slice of the audit publisher the registry needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service manages threads over the shared group table.
type Service struct {
	threads   Store
	groups    rmid.GroupStore
	refs      RecordRefCounter
	repointer RecordRepointer
	publisher AuditPublisher
	logger    *slog.Logger
	randGroup func() int
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

// WithRecordRefCounter attaches live-record reference counting, which gates
// soft deletes.
func WithRecordRefCounter(refs RecordRefCounter) Option {
	return func(s *Service) { s.refs = refs }
}

// WithRecordRepointer attaches record re-pointing for thread merges.
func WithRecordRepointer(repointer RecordRepointer) Option {
	return func(s *Service) { s.repointer = repointer }
}

// WithGroupSampler overrides the random group sampler.
func WithGroupSampler(sample func() int) Option {
	return func(s *Service) { s.randGroup = sample }
}

func New(threads Store, groups rmid.GroupStore, opts ...Option) (*Service, error) {
	if threads == nil || groups == nil {
		return nil, fmt.Errorf("thread and group stores are required")
	}
	svc := &Service{
		threads:   threads,
		groups:    groups,
		logger:    slog.Default(),
		randGroup: func() int { return rand.Intn(rmid.MaxGroup) + 1 },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create reserves a fresh group number and registers a thread over it. The
// group's counter starts at 1: creating a thread consumes no subnumber.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Thread, error) {
	if req.PortfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "title is required")
	}
	base := req.Base
	if base == "" {
		base = rmid.ProvisionalBase(req.PortfolioID)
	}

	group, err := s.reserveGroup(ctx, req.PortfolioID, base)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	actor := requestcontext.Actor(ctx)
	t := Thread{
		ID:          domain.NewThreadID(),
		PortfolioID: req.PortfolioID,
		Base:        base,
		Group:       group,
		Title:       strings.TrimSpace(req.Title),
		Category:    req.Category,
		Party:       req.Party,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.threads.Insert(ctx, t); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert thread")
	}

	s.emit(ctx, audit.EventThreadCreated, t.PortfolioID, map[string]any{
		"thread_id": t.ID.String(),
		"group":     group,
		"title":     t.Title,
	})
	s.logger.Debug("thread created", "thread_id", t.ID.String(), "group", group)
	return &t, nil
}

// AllocateSub issues the thread's next subnumber through the same atomic
// counter the allocator uses.
func (s *Service) AllocateSub(ctx context.Context, threadID domain.ThreadID) (*SubAllocation, error) {
	t, err := s.get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.Deleted() {
		return nil, dErrors.New(dErrors.CodeConflict, "thread is deleted")
	}

	sub, err := s.groups.IssueSub(ctx, t.PortfolioID, t.Base, t.Group)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrExhausted):
			return nil, dErrors.Newf(dErrors.CodeConflict,
				"thread group %d has issued all %d subnumbers", t.Group, rmid.MaxSub)
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
				"thread %s references missing group %d", t.ID, t.Group)
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue subnumber")
		}
	}

	allocation := &SubAllocation{
		ThreadID: t.ID,
		RMID:     rmid.FormatRMID(t.Base, t.Group, sub),
		Group:    t.Group,
		Sub:      sub,
	}
	s.emit(ctx, audit.EventSubnumberIssued, t.PortfolioID, map[string]any{
		"thread_id": t.ID.String(),
		"rm_id":     allocation.RMID,
	})
	return allocation, nil
}

// Preview reports the RM-ID the thread would issue next, without consuming it.
func (s *Service) Preview(ctx context.Context, threadID domain.ThreadID) (string, error) {
	t, err := s.get(ctx, threadID)
	if err != nil {
		return "", err
	}
	next, err := s.groups.PeekSub(ctx, t.PortfolioID, t.Base, t.Group)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "peek subnumber")
	}
	return rmid.FormatRMID(t.Base, t.Group, next), nil
}

// List returns the portfolio's live threads.
func (s *Service) List(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]Thread, error) {
	if base == "" {
		base = rmid.ProvisionalBase(portfolioID)
	}
	threads, err := s.threads.List(ctx, portfolioID, base)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list threads")
	}
	return threads, nil
}

// Search filters the portfolio's live threads by text and category.
func (s *Service) Search(ctx context.Context, portfolioID domain.PortfolioID, base string, filter SearchFilter) ([]Thread, error) {
	if base == "" {
		base = rmid.ProvisionalBase(portfolioID)
	}
	threads, err := s.threads.Search(ctx, portfolioID, base, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "search threads")
	}
	return threads, nil
}

// Suggest matches a (party, category) pair against the portfolio's live
// threads: one hit is exact, several are ambiguous, zero is none.
func (s *Service) Suggest(ctx context.Context, portfolioID domain.PortfolioID, base, party, category string) (*Suggestion, error) {
	if party == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "party is required")
	}
	if base == "" {
		base = rmid.ProvisionalBase(portfolioID)
	}
	threads, err := s.threads.List(ctx, portfolioID, base)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list threads")
	}

	var candidates []Thread
	for _, t := range threads {
		if !strings.EqualFold(t.Party, party) {
			continue
		}
		if category != "" && !strings.EqualFold(t.Category, category) {
			continue
		}
		candidates = append(candidates, t)
	}

	switch len(candidates) {
	case 0:
		return &Suggestion{Outcome: MatchNone}, nil
	case 1:
		return &Suggestion{Outcome: MatchExact, Thread: &candidates[0]}, nil
	default:
		return &Suggestion{Outcome: MatchAmbiguous, Candidates: candidates}, nil
	}
}

// Delete soft-deletes a thread. Blocked while any non-voided record still
// references it; the group number stays reserved so it can never be reissued.
func (s *Service) Delete(ctx context.Context, threadID domain.ThreadID) error {
	t, err := s.get(ctx, threadID)
	if err != nil {
		return err
	}
	if t.Deleted() {
		return dErrors.New(dErrors.CodeConflict, "thread is already deleted")
	}
	if s.refs != nil {
		live, err := s.refs.CountActiveByThread(ctx, threadID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "count thread records")
		}
		if live > 0 {
			return dErrors.Newf(dErrors.CodeConflict,
				"thread still has %d non-voided records", live)
		}
	}

	if err := s.threads.SoftDelete(ctx, threadID, requestcontext.Now(ctx)); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return dErrors.New(dErrors.CodeConflict, "thread is already deleted")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "delete thread")
	}

	s.emit(ctx, audit.EventThreadDeleted, t.PortfolioID, map[string]any{
		"thread_id": t.ID.String(),
		"group":     t.Group,
	})
	return nil
}

// Merge re-points every record on the duplicate threads to the primary, then
// soft-deletes the duplicates. Used by integrity repair for duplicate RM-ID
// groupings.
func (s *Service) Merge(ctx context.Context, primaryID domain.ThreadID, duplicateIDs ...domain.ThreadID) (int, error) {
	if s.repointer == nil {
		return 0, dErrors.New(dErrors.CodeInternal, "no record repointer configured")
	}
	primary, err := s.get(ctx, primaryID)
	if err != nil {
		return 0, err
	}
	if primary.Deleted() {
		return 0, dErrors.New(dErrors.CodeConflict, "merge target is deleted")
	}

	now := requestcontext.Now(ctx)
	moved := 0
	for _, dupID := range duplicateIDs {
		if dupID == primaryID {
			continue
		}
		dup, err := s.get(ctx, dupID)
		if err != nil {
			return moved, err
		}
		if dup.PortfolioID != primary.PortfolioID || dup.Base != primary.Base {
			return moved, dErrors.Newf(dErrors.CodeInvalidInput,
				"thread %s is not in the merge target's scope", dupID)
		}
		n, err := s.repointer.Repoint(ctx, dupID, primaryID)
		if err != nil {
			return moved, dErrors.Wrap(err, dErrors.CodeInternal, "repoint records")
		}
		moved += n
		if !dup.Deleted() {
			if err := s.threads.SoftDelete(ctx, dupID, now); err != nil &&
				!errors.Is(err, sentinel.ErrInvalidState) {
				return moved, dErrors.Wrap(err, dErrors.CodeInternal, "delete merged thread")
			}
		}
	}

	s.emit(ctx, audit.EventThreadsMerged, primary.PortfolioID, map[string]any{
		"primary_thread_id": primaryID.String(),
		"merged":            len(duplicateIDs),
		"records_moved":     moved,
	})
	return moved, nil
}

// Get returns one thread.
func (s *Service) Get(ctx context.Context, threadID domain.ThreadID) (*Thread, error) {
	t, err := s.get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) get(ctx context.Context, threadID domain.ThreadID) (Thread, error) {
	t, err := s.threads.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Thread{}, dErrors.Newf(dErrors.CodeNotFound, "thread %s not found", threadID)
		}
		return Thread{}, dErrors.Wrap(err, dErrors.CodeInternal, "load thread")
	}
	return t, nil
}

// reserveGroup mirrors the allocator's create-group policy: count first, then
// resample on losing races, bounded.
func (s *Service) reserveGroup(ctx context.Context, portfolioID domain.PortfolioID, base string) (int, error) {
	count, err := s.groups.Count(ctx, portfolioID, base)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "count groups")
	}
	if count >= rmid.MaxGroup {
		return 0, dErrors.Newf(dErrors.CodeAllocationExhausted,
			"all %d group numbers are in use for this base", rmid.MaxGroup)
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		number := s.randGroup()
		err := s.groups.Reserve(ctx, rmid.Group{
			PortfolioID: portfolioID,
			Base:        base,
			Number:      number,
			NextSub:     1,
			CreatedAt:   requestcontext.Now(ctx),
		})
		if err == nil {
			return number, nil
		}
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			continue
		}
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "reserve group")
	}
	return 0, dErrors.Newf(dErrors.CodeAllocationExhausted,
		"gave up reserving a group after %d attempts", maxReserveAttempts)
}

func (s *Service) emit(ctx context.Context, action audit.Action, portfolioID domain.PortfolioID, detail map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Emit(ctx, audit.Event{
		Category:    audit.CategoryOperations,
		Action:      action,
		PortfolioID: portfolioID,
		Detail:      detail,
	}); err != nil {
		s.logger.Warn("audit emit failed", "action", string(action), "error", err)
	}
}
