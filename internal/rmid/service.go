package rmid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"trustledger/internal/audit"
	"trustledger/internal/rmid/metrics"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/sentinel"
	platformstrings "trustledger/pkg/platform/strings"
	"trustledger/pkg/requestcontext"
)

// maxReserveAttempts bounds the resample-and-retry loop during group
// creation so group-space exhaustion cannot block a caller indefinitely.
const maxReserveAttempts = 50

// RelatedGroupResolver resolves the group number already held by an existing
// record, so related allocations join its group. The revision feature
// provides the production implementation.
type RelatedGroupResolver interface {
	// GroupForRecord returns the record's group within (portfolio, base), or
	// sentinel.ErrNotFound when the record holds no RM-ID in that scope.
	GroupForRecord(ctx context.Context, recordID domain.RecordID) (int, error)
}

// AuditPublisher is the slice of the audit publisher the allocator needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service issues hierarchical RM-IDs, unique within (portfolio, base).
type Service struct {
	groups      GroupStore
	relations   RelationStore
	allocations AllocationStore
	resolver    RelatedGroupResolver
	publisher   AuditPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	randGroup   func() int
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

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRelatedGroupResolver attaches related-record group resolution.
func WithRelatedGroupResolver(resolver RelatedGroupResolver) Option {
	return func(s *Service) { s.resolver = resolver }
}

// WithGroupSampler overrides the random group sampler. Tests pin it to make
// reservation deterministic.
func WithGroupSampler(sample func() int) Option {
	return func(s *Service) { s.randGroup = sample }
}

func New(groups GroupStore, relations RelationStore, allocations AllocationStore, opts ...Option) (*Service, error) {
	if groups == nil || relations == nil || allocations == nil {
		return nil, fmt.Errorf("rmid stores are required")
	}
	svc := &Service{
		groups:      groups,
		relations:   relations,
		allocations: allocations,
		logger:      slog.Default(),
		// Random rather than sequential: spreads concurrent writers across
		// the keyspace and keeps category numbers non-sequential.
		randGroup: func() int { return rand.Intn(MaxGroup) + 1 },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Allocate issues one RM-ID per the request's relation hints.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error) {
	if req.PortfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}
	if req.Module != "" && !req.Module.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown module type %q", req.Module)
	}
	req.RelationKey = platformstrings.NormalizeKey(req.RelationKey)

	base := req.Base
	if base == "" {
		base = ProvisionalBase(req.PortfolioID)
	}

	group, found, err := s.resolveGroup(ctx, req, base)
	if err != nil {
		return nil, err
	}

	var result AllocationResult
	if found {
		sub, err := s.groups.IssueSub(ctx, req.PortfolioID, base, group)
		if err != nil {
			switch {
			case errors.Is(err, sentinel.ErrExhausted):
				return nil, dErrors.Newf(dErrors.CodeConflict,
					"group %d has issued all %d subnumbers", group, MaxSub)
			case errors.Is(err, sentinel.ErrNotFound):
				return nil, dErrors.Newf(dErrors.CodeInvariantViolation,
					"group %d resolved but does not exist", group)
			default:
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue subnumber")
			}
		}
		result = AllocationResult{Base: base, Group: group, Sub: sub}
	} else {
		group, err = s.createGroup(ctx, req.PortfolioID, base)
		if err != nil {
			return nil, err
		}
		if req.RelationKey != "" {
			if err := s.relations.Bind(ctx, req.PortfolioID, base, req.RelationKey, group); err != nil &&
				!errors.Is(err, sentinel.ErrAlreadyUsed) {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "bind relation key")
			}
		}
		result = AllocationResult{Base: base, Group: group, Sub: 1, IsNewGroup: true}
	}
	result.RMID = FormatRMID(base, result.Group, result.Sub)

	if err := s.recordAllocation(ctx, req, result); err != nil {
		return nil, err
	}

	s.metrics.IncAllocations(result.IsNewGroup)
	s.logger.Debug("rm-id allocated",
		"rm_id", result.RMID,
		"portfolio_id", req.PortfolioID.String(),
		"new_group", result.IsNewGroup,
	)
	return &result, nil
}

// Preview reports the RM-ID the next allocation would produce, without
// consuming a subnumber.
func (s *Service) Preview(ctx context.Context, req AllocateRequest) (*PreviewResult, error) {
	if req.PortfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}
	req.RelationKey = platformstrings.NormalizeKey(req.RelationKey)
	base := req.Base
	if base == "" {
		base = ProvisionalBase(req.PortfolioID)
	}

	group, found, err := s.resolveGroup(ctx, req, base)
	if err != nil {
		return nil, err
	}
	if !found {
		return &PreviewResult{
			Display:    base + "-" + PreviewNewGroup,
			Base:       base,
			Sub:        PreviewNewGroup,
			IsNewGroup: true,
		}, nil
	}

	next, err := s.groups.PeekSub(ctx, req.PortfolioID, base, group)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "peek subnumber")
	}
	return &PreviewResult{
		Display: FormatRMID(base, group, next),
		Base:    base,
		Group:   group,
		Sub:     fmt.Sprintf("%03d", next),
	}, nil
}

// History returns the allocation audit trail for (portfolio, base).
func (s *Service) History(ctx context.Context, portfolioID domain.PortfolioID, base string) ([]Allocation, error) {
	if base == "" {
		base = ProvisionalBase(portfolioID)
	}
	allocations, err := s.allocations.ListByScope(ctx, portfolioID, base)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list allocations")
	}
	return allocations, nil
}

// resolveGroup applies the relation hints in priority order: related record
// first, then relation key. found=false means a new group is needed.
func (s *Service) resolveGroup(ctx context.Context, req AllocateRequest, base string) (int, bool, error) {
	if req.RelatedRecordID != nil && s.resolver != nil {
		group, err := s.resolver.GroupForRecord(ctx, *req.RelatedRecordID)
		switch {
		case err == nil:
			return group, true, nil
		case errors.Is(err, sentinel.ErrNotFound):
			// Related record holds no RM-ID yet; fall through.
		default:
			return 0, false, dErrors.Wrap(err, dErrors.CodeInternal, "resolve related record group")
		}
	}
	if req.RelationKey != "" {
		group, err := s.relations.Lookup(ctx, req.PortfolioID, base, req.RelationKey)
		switch {
		case err == nil:
			return group, true, nil
		case errors.Is(err, sentinel.ErrNotFound):
		default:
			return 0, false, dErrors.Wrap(err, dErrors.CodeInternal, "lookup relation key")
		}
	}
	return 0, false, nil
}

// createGroup reserves a random unused group number. A losing insert is a
// normal race: resample and retry, bounded.
func (s *Service) createGroup(ctx context.Context, portfolioID domain.PortfolioID, base string) (int, error) {
	count, err := s.groups.Count(ctx, portfolioID, base)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "count groups")
	}
	if count >= MaxGroup {
		s.metrics.IncExhaustions()
		return 0, dErrors.Newf(dErrors.CodeAllocationExhausted,
			"all %d group numbers are in use for this base", MaxGroup)
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		number := s.randGroup()
		err := s.groups.Reserve(ctx, Group{
			PortfolioID: portfolioID,
			Base:        base,
			Number:      number,
			// 1 is consumed by this creation; the next caller gets 2.
			NextSub:   2,
			CreatedAt: requestcontext.Now(ctx),
		})
		if err == nil {
			return number, nil
		}
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			continue
		}
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "reserve group")
	}
	s.metrics.IncExhaustions()
	return 0, dErrors.Newf(dErrors.CodeAllocationExhausted,
		"gave up reserving a group after %d attempts", maxReserveAttempts)
}

func (s *Service) recordAllocation(ctx context.Context, req AllocateRequest, result AllocationResult) error {
	actor := requestcontext.Actor(ctx)
	allocation := Allocation{
		ID:          uuid.New(),
		PortfolioID: req.PortfolioID,
		Base:        result.Base,
		Group:       result.Group,
		Sub:         result.Sub,
		RMID:        result.RMID,
		Module:      req.Module,
		RelationKey: req.RelationKey,
		IsNewGroup:  result.IsNewGroup,
		AllocatedBy: actor.ID,
		CreatedAt:   requestcontext.Now(ctx),
	}
	if err := s.allocations.Append(ctx, allocation); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "append allocation audit row")
	}

	if s.publisher != nil {
		if err := s.publisher.Emit(ctx, audit.Event{
			Category:    audit.CategoryOperations,
			Action:      audit.EventRMIDAllocated,
			PortfolioID: req.PortfolioID,
			Detail: map[string]any{
				"rm_id":        result.RMID,
				"module_type":  string(req.Module),
				"relation_key": req.RelationKey,
				"is_new_group": result.IsNewGroup,
			},
		}); err != nil {
			s.logger.Warn("audit emit failed", "action", audit.EventRMIDAllocated, "error", err)
		}
	}
	return nil
}
