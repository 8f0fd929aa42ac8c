// Package integrity implements read-only defect detection and explicit,
// single-purpose repairs for the record store. Scans report; they never
// mutate. Repairs mutate; they are never applied implicitly.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"trustledger/internal/audit"
	"trustledger/internal/lifecycle"
	"trustledger/internal/revision"
	"trustledger/internal/thread"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/requestcontext"
)

// ThreadMerger merges duplicate threads. The thread service provides the
// production implementation.
type ThreadMerger interface {
	Merge(ctx context.Context, primaryID domain.ThreadID, duplicateIDs ...domain.ThreadID) (int, error)
}

// AuditPublisher is the slice of the audit publisher the checker needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service scans portfolios for structural defects and applies guarded
// repairs.
type Service struct {
	records   revision.RecordStore
	revisions revision.RevisionStore
	threads   thread.Store
	merger    ThreadMerger
	publisher AuditPublisher
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

// WithThreadMerger attaches duplicate-thread merging.
func WithThreadMerger(merger ThreadMerger) Option {
	return func(s *Service) { s.merger = merger }
}

func New(records revision.RecordStore, revisions revision.RevisionStore, threads thread.Store, opts ...Option) (*Service, error) {
	if records == nil || revisions == nil || threads == nil {
		return nil, fmt.Errorf("integrity stores are required")
	}
	svc := &Service{
		records:   records,
		revisions: revisions,
		threads:   threads,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Scan inspects every record in the portfolio. Per-record failures are
// captured in the report's Errors and never abort the scan.
func (s *Service) Scan(ctx context.Context, portfolioID domain.PortfolioID) (*Report, error) {
	if portfolioID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "portfolio_id is required")
	}

	report := &Report{PortfolioID: portfolioID, StartedAt: requestcontext.Now(ctx)}
	records, err := s.records.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list records")
	}

	byRMID := make(map[string][]domain.RecordID)
	for i := range records {
		rec := records[i]
		report.RecordsScanned++
		if rec.RMID != "" {
			byRMID[rec.RMID] = append(byRMID[rec.RMID], rec.ID)
		}
		s.checkStatus(report, rec)
		s.checkCurrentRevision(ctx, report, rec)
		s.checkThreadRef(ctx, report, rec)
		s.checkRevisionChain(ctx, report, rec)
	}
	s.checkDuplicateRMIDs(report, byRMID)
	s.checkOrphanRevisions(ctx, report)

	report.FinishedAt = requestcontext.Now(ctx)
	s.logger.Info("integrity scan completed",
		"portfolio_id", portfolioID.String(),
		"records", report.RecordsScanned,
		"issues", len(report.Issues),
		"errors", len(report.Errors),
	)
	s.emit(ctx, audit.EventScanCompleted, audit.CategoryOperations, portfolioID, nil, map[string]any{
		"records_scanned": report.RecordsScanned,
		"issues":          len(report.Issues),
		"critical":        report.CountBySeverity(SeverityCritical),
	})
	return report, nil
}

func (s *Service) checkStatus(report *Report, rec revision.Record) {
	if rec.Status.IsValid() {
		return
	}
	id := rec.ID
	report.Issues = append(report.Issues, Issue{
		Type:         IssueInvalidStatus,
		Severity:     SeverityMedium,
		RecordID:     &id,
		RMID:         rec.RMID,
		Description:  fmt.Sprintf("record holds unknown status %q", rec.Status),
		AutoFixable:  true,
		SuggestedFix: "coerce status to draft",
	})
}

func (s *Service) checkCurrentRevision(ctx context.Context, report *Report, rec revision.Record) {
	if !rec.CurrentRevisionID.IsNil() {
		_, err := s.revisions.Get(ctx, rec.CurrentRevisionID)
		if err == nil {
			return
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			report.Errors = append(report.Errors,
				fmt.Sprintf("record %s: load current revision: %v", rec.ID, err))
			return
		}
	}
	id := rec.ID
	report.Issues = append(report.Issues, Issue{
		Type:         IssueOrphanRecord,
		Severity:     SeverityCritical,
		RecordID:     &id,
		RMID:         rec.RMID,
		Description:  "record has no resolvable current revision",
		AutoFixable:  true,
		SuggestedFix: "create a reconstructed initial revision",
	})
}

func (s *Service) checkThreadRef(ctx context.Context, report *Report, rec revision.Record) {
	if rec.ThreadID == nil {
		return
	}
	_, err := s.threads.Get(ctx, *rec.ThreadID)
	if err == nil {
		return
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		report.Errors = append(report.Errors,
			fmt.Sprintf("record %s: load thread: %v", rec.ID, err))
		return
	}
	id := rec.ID
	threadID := *rec.ThreadID
	report.Issues = append(report.Issues, Issue{
		Type:         IssueDanglingThread,
		Severity:     SeverityHigh,
		RecordID:     &id,
		ThreadID:     &threadID,
		RMID:         rec.RMID,
		Description:  fmt.Sprintf("record references missing thread %s", threadID),
		SuggestedFix: "restore the thread or clear the reference manually",
	})
}

// checkRevisionChain walks the record's history: finalized content hashes
// must recompute, and each revision's parent hash must match its
// predecessor's content hash. Missing required fields on finalized records
// are detected on the same pass.
func (s *Service) checkRevisionChain(ctx context.Context, report *Report, rec revision.Record) {
	revisions, err := s.revisions.ListByRecord(ctx, rec.ID)
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("record %s: list revisions: %v", rec.ID, err))
		return
	}

	previousHash := ""
	for i := range revisions {
		rev := revisions[i]
		if rev.ParentHash != previousHash {
			s.addChainBreak(report, rec, rev, fmt.Sprintf(
				"revision v%d declares parent hash %q, chain expects %q",
				rev.Version, truncate(rev.ParentHash), truncate(previousHash)))
			return
		}
		if rev.Finalized() {
			recomputed, err := revision.ContentHash(rev)
			if err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("record %s: recompute v%d hash: %v", rec.ID, rev.Version, err))
				return
			}
			if recomputed != rev.ContentHash {
				s.addChainBreak(report, rec, rev, fmt.Sprintf(
					"revision v%d content hash does not recompute from its payload", rev.Version))
				return
			}
			previousHash = rev.ContentHash
		}
	}

	if rec.Status.IsFinal() && len(revisions) > 0 {
		s.checkRequiredFields(report, rec, revisions[len(revisions)-1])
	}
}

func (s *Service) checkRequiredFields(report *Report, rec revision.Record, rev revision.Revision) {
	if !rev.Finalized() {
		return
	}
	var missing []string
	for _, field := range lifecycle.RequiredFields(rec.Module) {
		if lifecycle.IsBlank(rev.Payload[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return
	}
	id := rec.ID
	revID := rev.ID
	report.Issues = append(report.Issues, Issue{
		Type:         IssueMissingRequired,
		Severity:     SeverityHigh,
		RecordID:     &id,
		RevisionID:   &revID,
		RMID:         rec.RMID,
		Description:  fmt.Sprintf("finalized %s record is missing %s", rec.Module, strings.Join(missing, ", ")),
		SuggestedFix: "amend the record and supply the missing fields",
	})
}

func (s *Service) checkDuplicateRMIDs(report *Report, byRMID map[string][]domain.RecordID) {
	for rmID, ids := range byRMID {
		if len(ids) < 2 {
			continue
		}
		report.Issues = append(report.Issues, Issue{
			Type:         IssueDuplicateRMID,
			Severity:     SeverityCritical,
			RMID:         rmID,
			Description:  fmt.Sprintf("rm_id %s is held by %d records", rmID, len(ids)),
			SuggestedFix: "merge the owning threads and reissue identifiers",
		})
	}
}

func (s *Service) checkOrphanRevisions(ctx context.Context, report *Report) {
	dangling, err := s.revisions.ListDangling(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list dangling revisions: %v", err))
		return
	}
	for i := range dangling {
		rev := dangling[i]
		revID := rev.ID
		recID := rev.RecordID
		report.Issues = append(report.Issues, Issue{
			Type:         IssueOrphanRevision,
			Severity:     SeverityMedium,
			RecordID:     &recID,
			RevisionID:   &revID,
			Description:  fmt.Sprintf("revision v%d references missing record %s", rev.Version, rev.RecordID),
			AutoFixable:  true,
			SuggestedFix: "delete the orphaned revision",
		})
	}
}

func (s *Service) addChainBreak(report *Report, rec revision.Record, rev revision.Revision, description string) {
	id := rec.ID
	revID := rev.ID
	report.Issues = append(report.Issues, Issue{
		Type:         IssueBrokenChain,
		Severity:     SeverityCritical,
		RecordID:     &id,
		RevisionID:   &revID,
		RMID:         rec.RMID,
		Description:  description,
		SuggestedFix: "investigate the edit trail; hashes are never rewritten automatically",
	})
}

// RepairCreateMissingRevision reconstructs an initial revision for a record
// whose current revision is gone. The record drops back to draft so the
// reconstructed content goes through finalization again.
func (s *Service) RepairCreateMissingRevision(ctx context.Context, recordID domain.RecordID) (*RepairResult, error) {
	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.CurrentRevisionID.IsNil() {
		if _, err := s.revisions.Get(ctx, rec.CurrentRevisionID); err == nil {
			return nil, dErrors.New(dErrors.CodeConflict, "record already has a resolvable current revision")
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load current revision")
		}
	}

	now := requestcontext.Now(ctx)
	rev := revision.Revision{
		ID:           domain.NewRevisionID(),
		RecordID:     rec.ID,
		Version:      s.nextVersion(ctx, rec.ID),
		ChangeType:   domain.ChangeInitial,
		ChangeReason: "reconstructed by integrity repair",
		Payload:      map[string]any{},
		CreatedBy:    requestcontext.Actor(ctx).ID,
		CreatedAt:    now,
	}
	if err := s.revisions.Insert(ctx, rev); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "insert reconstructed revision")
	}
	if err := s.records.SetCurrent(ctx, rec.ID, rev.ID, domain.StatusDraft, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "repoint record")
	}

	result := &RepairResult{
		Issue:       IssueOrphanRecord,
		RecordID:    &rec.ID,
		RevisionID:  &rev.ID,
		Description: fmt.Sprintf("reconstructed revision v%d; record reset to draft", rev.Version),
	}
	s.emitRepair(ctx, rec.PortfolioID, result)
	return result, nil
}

// RepairCoerceStatus resets a record holding an unknown status to draft.
func (s *Service) RepairCoerceStatus(ctx context.Context, recordID domain.RecordID) (*RepairResult, error) {
	rec, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeConflict, "record status %q is already valid", rec.Status)
	}
	if err := s.records.SetStatusUnchecked(ctx, recordID, domain.StatusDraft, requestcontext.Now(ctx)); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "coerce status")
	}

	result := &RepairResult{
		Issue:       IssueInvalidStatus,
		RecordID:    &rec.ID,
		Description: fmt.Sprintf("status %q coerced to draft", rec.Status),
	}
	s.emitRepair(ctx, rec.PortfolioID, result)
	return result, nil
}

// RepairDeleteOrphanRevision deletes a revision only if its record is
// genuinely gone.
func (s *Service) RepairDeleteOrphanRevision(ctx context.Context, revisionID domain.RevisionID) (*RepairResult, error) {
	rev, err := s.revisions.Get(ctx, revisionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "revision %s not found", revisionID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load revision")
	}
	if _, err := s.records.Get(ctx, rev.RecordID); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "revision's record exists; not an orphan")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load record")
	}
	if err := s.revisions.Delete(ctx, revisionID); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "delete revision")
	}

	result := &RepairResult{
		Issue:       IssueOrphanRevision,
		RevisionID:  &rev.ID,
		Description: fmt.Sprintf("deleted orphaned revision v%d of missing record %s", rev.Version, rev.RecordID),
	}
	s.emitRepair(ctx, domain.PortfolioID{}, result)
	return result, nil
}

// RepairMergeThreads folds duplicate threads into a primary, re-pointing
// their records.
func (s *Service) RepairMergeThreads(ctx context.Context, primaryID domain.ThreadID, duplicateIDs ...domain.ThreadID) (*RepairResult, error) {
	if s.merger == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "no thread merger configured")
	}
	if len(duplicateIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one duplicate thread is required")
	}
	moved, err := s.merger.Merge(ctx, primaryID, duplicateIDs...)
	if err != nil {
		return nil, err
	}

	primary, err := s.threads.Get(ctx, primaryID)
	portfolioID := domain.PortfolioID{}
	if err == nil {
		portfolioID = primary.PortfolioID
	}
	result := &RepairResult{
		Issue:       IssueDuplicateRMID,
		Description: fmt.Sprintf("merged %d threads into %s, moved %d records", len(duplicateIDs), primaryID, moved),
	}
	s.emitRepair(ctx, portfolioID, result)
	return result, nil
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

func (s *Service) nextVersion(ctx context.Context, recordID domain.RecordID) int {
	latest, err := s.revisions.Latest(ctx, recordID)
	if err != nil {
		return 1
	}
	return latest.Version + 1
}

func (s *Service) emitRepair(ctx context.Context, portfolioID domain.PortfolioID, result *RepairResult) {
	detail := map[string]any{
		"issue":       string(result.Issue),
		"description": result.Description,
	}
	var recordID domain.RecordID
	if result.RecordID != nil {
		recordID = *result.RecordID
	}
	s.emit(ctx, audit.EventRepairApplied, audit.CategoryCompliance, portfolioID, &recordID, detail)
	s.logger.Info("integrity repair applied", "issue", string(result.Issue), "description", result.Description)
}

func (s *Service) emit(ctx context.Context, action audit.Action, category audit.EventCategory, portfolioID domain.PortfolioID, recordID *domain.RecordID, detail map[string]any) {
	if s.publisher == nil {
		return
	}
	event := audit.Event{
		Category:    category,
		Action:      action,
		PortfolioID: portfolioID,
		Detail:      detail,
	}
	if recordID != nil {
		event.RecordID = *recordID
	}
	if err := s.publisher.Emit(ctx, event); err != nil {
		s.logger.Warn("audit emit failed", "action", string(action), "error", err)
	}
}

func truncate(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
