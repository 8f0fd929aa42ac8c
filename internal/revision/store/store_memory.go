// Package store provides the record feature's persistence implementations.
// The memory store backs tests and single-process use; its mutex plays the
// role the database's row-level atomicity plays in production.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"trustledger/internal/revision"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
)

// Memory holds records, revisions, and events behind one mutex. The three
// store interfaces are exposed as views over the shared state so dangling
// detection can see across tables.
type Memory struct {
	mu        sync.Mutex
	records   map[domain.RecordID]*revision.Record
	revisions map[domain.RevisionID]*revision.Revision
	events    []revision.Event
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[domain.RecordID]*revision.Record),
		revisions: make(map[domain.RevisionID]*revision.Revision),
	}
}

// Records returns the record view.
func (m *Memory) Records() revision.RecordStore { return (*memoryRecords)(m) }

// Revisions returns the revision view.
func (m *Memory) Revisions() revision.RevisionStore { return (*memoryRevisions)(m) }

// Events returns the event-log view.
func (m *Memory) Events() revision.EventStore { return (*memoryEvents)(m) }

// InsertOrphanRevision inserts a revision without checking that its record
// exists. Test hook for integrity scans.
func (m *Memory) InsertOrphanRevision(rev revision.Revision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := rev
	m.revisions[rev.ID] = &stored
}

// DropRevision removes a revision directly. Test hook for integrity scans.
func (m *Memory) DropRevision(id domain.RevisionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revisions, id)
}

// TamperPayload overwrites a revision payload bypassing the finalized guard.
// Test hook for tamper-detection scenarios.
func (m *Memory) TamperPayload(id domain.RevisionID, payload map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, exists := m.revisions[id]
	if !exists {
		return false
	}
	rev.Payload = payload
	return true
}

type memoryRecords Memory

func (s *memoryRecords) Insert(_ context.Context, rec revision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return sentinel.ErrConflict
	}
	stored := rec
	s.records[rec.ID] = &stored
	return nil
}

func (s *memoryRecords) Get(_ context.Context, id domain.RecordID) (revision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return revision.Record{}, sentinel.ErrNotFound
	}
	return *rec, nil
}

func (s *memoryRecords) ListByPortfolio(_ context.Context, portfolioID domain.PortfolioID) ([]revision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []revision.Record
	for _, rec := range s.records {
		if rec.PortfolioID == portfolioID {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryRecords) ListByThread(_ context.Context, threadID domain.ThreadID) ([]revision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []revision.Record
	for _, rec := range s.records {
		if rec.ThreadID != nil && *rec.ThreadID == threadID {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryRecords) CountActiveByThread(_ context.Context, threadID domain.ThreadID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.ThreadID != nil && *rec.ThreadID == threadID && rec.Status != domain.StatusVoided {
			count++
		}
	}
	return count, nil
}

func (s *memoryRecords) SetCurrent(_ context.Context, id domain.RecordID, revisionID domain.RevisionID, status domain.RecordStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	rec.CurrentRevisionID = revisionID
	rec.Status = status
	rec.UpdatedAt = at
	return nil
}

func (s *memoryRecords) UpdateStatus(_ context.Context, id domain.RecordID, from, to domain.RecordStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	if rec.Status != from {
		return sentinel.ErrInvalidState
	}
	rec.Status = to
	rec.UpdatedAt = at
	return nil
}

func (s *memoryRecords) Void(_ context.Context, id domain.RecordID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	if rec.Status == domain.StatusVoided {
		return sentinel.ErrInvalidState
	}
	rec.Status = domain.StatusVoided
	rec.VoidedAt = &at
	rec.VoidReason = reason
	rec.UpdatedAt = at
	return nil
}

func (s *memoryRecords) Repoint(_ context.Context, from, to domain.ThreadID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, rec := range s.records {
		if rec.ThreadID != nil && *rec.ThreadID == from {
			target := to
			rec.ThreadID = &target
			moved++
		}
	}
	return moved, nil
}

func (s *memoryRecords) SetStatusUnchecked(_ context.Context, id domain.RecordID, to domain.RecordStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	rec.Status = to
	rec.UpdatedAt = at
	return nil
}

type memoryRevisions Memory

func (s *memoryRevisions) Insert(_ context.Context, rev revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.revisions[rev.ID]; exists {
		return sentinel.ErrConflict
	}
	for _, existing := range s.revisions {
		if existing.RecordID == rev.RecordID && existing.Version == rev.Version {
			return sentinel.ErrConflict
		}
	}
	stored := rev
	s.revisions[rev.ID] = &stored
	return nil
}

func (s *memoryRevisions) Get(_ context.Context, id domain.RevisionID) (revision.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, exists := s.revisions[id]
	if !exists {
		return revision.Revision{}, sentinel.ErrNotFound
	}
	return *rev, nil
}

func (s *memoryRevisions) ListByRecord(_ context.Context, recordID domain.RecordID) ([]revision.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []revision.Revision
	for _, rev := range s.revisions {
		if rev.RecordID == recordID {
			out = append(out, *rev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memoryRevisions) Latest(_ context.Context, recordID domain.RecordID) (revision.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *revision.Revision
	for _, rev := range s.revisions {
		if rev.RecordID == recordID && (latest == nil || rev.Version > latest.Version) {
			latest = rev
		}
	}
	if latest == nil {
		return revision.Revision{}, sentinel.ErrNotFound
	}
	return *latest, nil
}

func (s *memoryRevisions) UpdatePayload(_ context.Context, id domain.RevisionID, payload map[string]any, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, exists := s.revisions[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	if rev.FinalizedAt != nil {
		return sentinel.ErrInvalidState
	}
	rev.Payload = payload
	if reason != "" {
		rev.ChangeReason = reason
	}
	return nil
}

func (s *memoryRevisions) Finalize(_ context.Context, id domain.RevisionID, contentHash string, by domain.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, exists := s.revisions[id]
	if !exists {
		return sentinel.ErrNotFound
	}
	if rev.FinalizedAt != nil {
		return sentinel.ErrInvalidState
	}
	rev.ContentHash = contentHash
	rev.FinalizedAt = &at
	rev.FinalizedBy = &by
	return nil
}

func (s *memoryRevisions) Delete(_ context.Context, id domain.RevisionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.revisions[id]; !exists {
		return sentinel.ErrNotFound
	}
	delete(s.revisions, id)
	return nil
}

func (s *memoryRevisions) ListDangling(_ context.Context) ([]revision.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []revision.Revision
	for _, rev := range s.revisions {
		if _, exists := s.records[rev.RecordID]; !exists {
			out = append(out, *rev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryEvents Memory

func (s *memoryEvents) Append(_ context.Context, ev revision.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memoryEvents) ListByRecord(_ context.Context, recordID domain.RecordID) ([]revision.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []revision.Event
	for _, ev := range s.events {
		if ev.RecordID == recordID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func sortRecords(records []revision.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID.String() < records[j].ID.String()
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

var (
	_ revision.RecordStore   = (*memoryRecords)(nil)
	_ revision.RevisionStore = (*memoryRevisions)(nil)
	_ revision.EventStore    = (*memoryEvents)(nil)
)
