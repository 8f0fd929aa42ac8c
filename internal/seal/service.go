// Package seal implements integrity seals: a portfolio-wide hash chain over
// finalized records, separate from the per-record revision chain. Seals make
// out-of-band edits detectable; they never prevent or correct them.
package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trustledger/internal/audit"
	"trustledger/internal/revision"
	"trustledger/internal/seal/metrics"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/canonical"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/requestcontext"
)

// verifyAllParallelism bounds concurrent verifications in VerifyAll.
const verifyAllParallelism = 8

// RecordSource is the slice of the record store the sealer reads.
type RecordSource interface {
	Get(ctx context.Context, id domain.RecordID) (revision.Record, error)
	ListByPortfolio(ctx context.Context, portfolioID domain.PortfolioID) ([]revision.Record, error)
}

// RevisionSource resolves a record's current revision.
type RevisionSource interface {
	Get(ctx context.Context, id domain.RevisionID) (revision.Revision, error)
}

// ChainHeadCache caches the portfolio's newest seal. Misses and failures fall
// back to the store; the cache is an optimization, never a source of truth.
type ChainHeadCache interface {
	Get(ctx context.Context, portfolioID domain.PortfolioID) (Seal, bool)
	Set(ctx context.Context, head Seal)
	Invalidate(ctx context.Context, portfolioID domain.PortfolioID)
}

// AuditPublisher is the slice of the audit publisher the sealer needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service creates and verifies integrity seals.
type Service struct {
	seals     Store
	records   RecordSource
	revisions RevisionSource
	cache     ChainHeadCache
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

// WithChainHeadCache attaches chain-head caching.
func WithChainHeadCache(cache ChainHeadCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(seals Store, records RecordSource, revisions RevisionSource, opts ...Option) (*Service, error) {
	if seals == nil || records == nil || revisions == nil {
		return nil, fmt.Errorf("seal stores are required")
	}
	svc := &Service{
		seals:     seals,
		records:   records,
		revisions: revisions,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateSeal seals one record into the portfolio chain. Only records in a
// final status are sealable; each record is sealed at most once.
func (s *Service) CreateSeal(ctx context.Context, recordID domain.RecordID) (*Seal, error) {
	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsFinal() {
		return nil, dErrors.Newf(dErrors.CodeConflict,
			"only finalized records can be sealed; record is %s", rec.Status)
	}
	if _, err := s.seals.GetByRecord(ctx, recordID); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "record is already sealed")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check existing seal")
	}

	recordHash, err := s.recordHash(ctx, rec)
	if err != nil {
		return nil, err
	}

	previousHash := GenesisHash
	var previousID *domain.SealID
	if head, ok := s.chainHead(ctx, rec.PortfolioID); ok {
		previousHash = head.ChainHash
		id := head.ID
		previousID = &id
	}

	// Microsecond precision: the timestamp participates in the chain hash
	// and must survive a TIMESTAMPTZ round trip unchanged.
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	chainHash, err := canonical.Digest(map[string]any{
		"record_hash":         recordHash,
		"previous_chain_hash": previousHash,
		"timestamp":           now,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "compute chain hash")
	}

	sealed := Seal{
		ID:             domain.NewSealID(),
		PortfolioID:    rec.PortfolioID,
		RecordID:       rec.ID,
		RecordHash:     recordHash,
		ChainHash:      chainHash,
		PreviousSealID: previousID,
		SealedBy:       requestcontext.Actor(ctx).ID,
		SealedAt:       now,
	}
	if err := s.seals.Insert(ctx, sealed); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "record is already sealed")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert seal")
	}
	if s.cache != nil {
		s.cache.Set(ctx, sealed)
	}

	s.emit(ctx, audit.EventSealCreated, audit.CategoryCompliance, rec, map[string]any{
		"seal_id":     sealed.ID.String(),
		"record_hash": canonical.Truncate(recordHash, 12),
	})
	s.metrics.IncSealed()
	s.logger.Debug("seal created",
		"seal_id", sealed.ID.String(),
		"record_id", rec.ID.String(),
		"chain_hash", canonical.Truncate(chainHash, 12),
	)
	return &sealed, nil
}

// Verify recomputes the record's hash and compares it against the seal. A
// mismatch is a security incident: logged and audited, never auto-corrected.
func (s *Service) Verify(ctx context.Context, recordID domain.RecordID) (*VerificationResult, error) {
	sealed, err := s.seals.GetByRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncVerified(string(VerifyNeverSealed))
			return &VerificationResult{RecordID: recordID, Status: VerifyNeverSealed}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load seal")
	}

	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	currentHash, err := s.recordHash(ctx, rec)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		RecordID:    recordID,
		SealID:      sealed.ID,
		SealedHash:  sealed.RecordHash,
		CurrentHash: currentHash,
	}
	if currentHash == sealed.RecordHash {
		result.Status = VerifyOK
		s.metrics.IncVerified(string(VerifyOK))
		return result, nil
	}

	result.Status = VerifyTampered
	s.metrics.IncVerified(string(VerifyTampered))
	s.logger.Error("seal verification failed: record content diverges from sealed hash",
		"record_id", recordID.String(),
		"seal_id", sealed.ID.String(),
		"sealed_hash", canonical.Truncate(sealed.RecordHash, 12),
		"current_hash", canonical.Truncate(currentHash, 12),
	)
	s.emit(ctx, audit.EventTamperDetected, audit.CategorySecurity, rec, map[string]any{
		"seal_id":      sealed.ID.String(),
		"sealed_hash":  canonical.Truncate(sealed.RecordHash, 12),
		"current_hash": canonical.Truncate(currentHash, 12),
	})
	return result, nil
}

// VerifyChain walks the portfolio's seals in chain order, confirming each
// seal's linkage and recomputing its chain hash. The first break wins.
func (s *Service) VerifyChain(ctx context.Context, portfolioID domain.PortfolioID) (*ChainReport, error) {
	seals, err := s.seals.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list seals")
	}

	report := &ChainReport{PortfolioID: portfolioID, Length: len(seals), Intact: true}
	previousHash := GenesisHash
	var previousID *domain.SealID
	for i := range seals {
		current := seals[i]
		if !sameSealRef(current.PreviousSealID, previousID) {
			s.breakChain(ctx, report, current, fmt.Sprintf(
				"seal %s declares previous seal %s, chain order expects %s",
				current.ID, formatSealRef(current.PreviousSealID), formatSealRef(previousID)))
			return report, nil
		}
		expected, err := canonical.Digest(map[string]any{
			"record_hash":         current.RecordHash,
			"previous_chain_hash": previousHash,
			"timestamp":           current.SealedAt,
		})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "recompute chain hash")
		}
		if expected != current.ChainHash {
			s.breakChain(ctx, report, current, fmt.Sprintf(
				"seal %s chain hash does not recompute from its predecessor", current.ID))
			return report, nil
		}
		previousHash = current.ChainHash
		id := current.ID
		previousID = &id
	}
	return report, nil
}

// SealAllFinalized seals every unsealed final record in the portfolio.
// Idempotent: already-sealed records are skipped, and per-record failures do
// not abort the batch. Seals are created sequentially to keep chain order
// meaningful.
func (s *Service) SealAllFinalized(ctx context.Context, portfolioID domain.PortfolioID) (*BatchResult, error) {
	records, err := s.records.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list records")
	}

	result := &BatchResult{}
	for _, rec := range records {
		if !rec.Status.IsFinal() {
			continue
		}
		if _, err := s.seals.GetByRecord(ctx, rec.ID); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		if _, err := s.CreateSeal(ctx, rec.ID); err != nil {
			if dErrors.HasCode(err, dErrors.CodeConflict) {
				// Sealed concurrently between the check and the insert.
				result.Skipped++
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			continue
		}
		result.Sealed++
	}
	return result, nil
}

// VerifyAll verifies every final record in the portfolio concurrently and
// aggregates the outcomes. Per-record failures land in Errors; the batch
// itself never aborts.
func (s *Service) VerifyAll(ctx context.Context, portfolioID domain.PortfolioID) (*VerifyAllResult, error) {
	records, err := s.records.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list records")
	}

	var (
		mu     sync.Mutex
		result VerifyAllResult
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(verifyAllParallelism)
	for _, rec := range records {
		if !rec.Status.IsFinal() {
			continue
		}
		rec := rec
		group.Go(func() error {
			verified, err := s.Verify(groupCtx, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
				return nil
			}
			result.Results = append(result.Results, *verified)
			switch verified.Status {
			case VerifyOK:
				result.Valid++
			case VerifyTampered:
				result.Tampered++
			case VerifyNeverSealed:
				result.NeverSealed++
			}
			return nil
		})
	}
	// Workers swallow their own errors; Wait only propagates ctx cancellation.
	if err := group.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verify all")
	}
	return &result, nil
}

// Coverage reports sealed versus sealable records for the portfolio.
func (s *Service) Coverage(ctx context.Context, portfolioID domain.PortfolioID) (*CoverageReport, error) {
	records, err := s.records.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list records")
	}

	report := &CoverageReport{PortfolioID: portfolioID}
	for _, rec := range records {
		if !rec.Status.IsFinal() {
			continue
		}
		report.Sealable++
		if _, err := s.seals.GetByRecord(ctx, rec.ID); err == nil {
			report.Sealed++
		} else if errors.Is(err, sentinel.ErrNotFound) {
			report.Unsealed = append(report.Unsealed, rec.ID)
		} else {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check seal coverage")
		}
	}
	return report, nil
}

func (s *Service) loadRecord(ctx context.Context, recordID domain.RecordID) (revision.Record, error) {
	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return revision.Record{}, dErrors.Newf(dErrors.CodeNotFound, "record %s not found", recordID)
		}
		return revision.Record{}, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	return rec, nil
}

// recordHash digests the record's sealable projection: identity plus the
// current revision's content, with volatile bookkeeping stripped recursively.
// Lifecycle status is deliberately excluded so legal post-seal transitions
// (finalized to attested) do not read as tampering.
func (s *Service) recordHash(ctx context.Context, rec revision.Record) (string, error) {
	rev, err := s.revisions.Get(ctx, rec.CurrentRevisionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.Newf(dErrors.CodeInvariantViolation,
				"record %s points at missing revision %s", rec.ID, rec.CurrentRevisionID)
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "load current revision")
	}
	hash, err := canonical.Digest(map[string]any{
		"record_id":   rec.ID.String(),
		"rm_id":       rec.RMID,
		"module_type": string(rec.Module),
		"version":     rev.Version,
		"parent_hash": rev.ParentHash,
		"payload":     canonical.StripKeys(rev.Payload, revision.VolatileFields...),
	})
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "compute record hash")
	}
	return hash, nil
}

// chainHead returns the portfolio's newest seal, consulting the cache first.
func (s *Service) chainHead(ctx context.Context, portfolioID domain.PortfolioID) (Seal, bool) {
	if s.cache != nil {
		if head, ok := s.cache.Get(ctx, portfolioID); ok {
			return head, true
		}
	}
	head, err := s.seals.Latest(ctx, portfolioID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.Warn("chain head lookup failed", "portfolio_id", portfolioID.String(), "error", err)
		}
		return Seal{}, false
	}
	if s.cache != nil {
		s.cache.Set(ctx, head)
	}
	return head, true
}

func (s *Service) breakChain(ctx context.Context, report *ChainReport, broken Seal, description string) {
	report.Intact = false
	id := broken.ID
	report.BrokenSealID = &id
	report.Description = description

	s.logger.Error("seal chain break detected",
		"portfolio_id", report.PortfolioID.String(),
		"seal_id", broken.ID.String(),
		"description", description,
	)
	if s.publisher != nil {
		if err := s.publisher.Emit(ctx, audit.Event{
			Category:    audit.CategorySecurity,
			Action:      audit.EventChainBreak,
			PortfolioID: report.PortfolioID,
			RecordID:    broken.RecordID,
			Detail: map[string]any{
				"seal_id":     broken.ID.String(),
				"description": description,
			},
		}); err != nil {
			s.logger.Warn("audit emit failed", "action", audit.EventChainBreak, "error", err)
		}
	}
}

func (s *Service) emit(ctx context.Context, action audit.Action, category audit.EventCategory, rec revision.Record, detail map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Emit(ctx, audit.Event{
		Category:    category,
		Action:      action,
		PortfolioID: rec.PortfolioID,
		RecordID:    rec.ID,
		Detail:      detail,
	}); err != nil {
		s.logger.Warn("audit emit failed", "action", string(action), "error", err)
	}
}

func sameSealRef(a, b *domain.SealID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatSealRef(id *domain.SealID) string {
	if id == nil {
		return "none"
	}
	return id.String()
}
