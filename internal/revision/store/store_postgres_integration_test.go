//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trustledger/internal/revision"
	"trustledger/internal/revision/store"
	"trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres  *containers.PostgresContainer
	records   *store.PostgresRecords
	revisions *store.PostgresRevisions
	events    *store.PostgresEvents
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.records = store.NewPostgresRecords(s.postgres.DB)
	s.revisions = store.NewPostgresRevisions(s.postgres.DB)
	s.events = store.NewPostgresEvents(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"governance_records", "governance_revisions", "governance_events")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) record(portfolioID domain.PortfolioID) revision.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return revision.Record{
		ID:          domain.NewRecordID(),
		PortfolioID: portfolioID,
		Module:      domain.ModuleMinutes,
		RMID:        "TF000000123US-4.001",
		Status:      domain.StatusDraft,
		CreatedBy:   domain.NewUserID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *PostgresStoreSuite) revision(recordID domain.RecordID, version int) revision.Revision {
	return revision.Revision{
		ID:         domain.NewRevisionID(),
		RecordID:   recordID,
		Version:    version,
		ChangeType: domain.ChangeInitial,
		Payload:    map[string]any{"summary": "quarterly minutes"},
		CreatedBy:  domain.NewUserID(),
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (s *PostgresStoreSuite) TestRecordRoundTrip() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	threadID := domain.NewThreadID()
	rec.ThreadID = &threadID

	s.Require().NoError(s.records.Insert(ctx, rec))

	got, err := s.records.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.RMID, got.RMID)
	s.Equal(rec.Module, got.Module)
	s.Equal(rec.Status, got.Status)
	s.Require().NotNil(got.ThreadID)
	s.Equal(threadID, *got.ThreadID)
	s.Equal(rec.CreatedBy, got.CreatedBy)
	s.True(rec.CreatedAt.Equal(got.CreatedAt))

	s.Require().ErrorIs(s.records.Insert(ctx, rec), sentinel.ErrConflict)

	_, err = s.records.Get(ctx, domain.NewRecordID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestUpdateStatusIsConditional() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	s.Require().NoError(s.records.Insert(ctx, rec))

	now := time.Now().UTC()
	err := s.records.UpdateStatus(ctx, rec.ID, domain.StatusDraft, domain.StatusFinalized, now)
	s.Require().NoError(err)

	// The draft->finalized move already happened; replaying it loses the race.
	err = s.records.UpdateStatus(ctx, rec.ID, domain.StatusDraft, domain.StatusFinalized, now)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	err = s.records.UpdateStatus(ctx, domain.NewRecordID(), domain.StatusDraft, domain.StatusFinalized, now)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestVoid() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	s.Require().NoError(s.records.Insert(ctx, rec))

	now := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.records.Void(ctx, rec.ID, "entered in error", now))

	got, err := s.records.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusVoided, got.Status)
	s.Equal("entered in error", got.VoidReason)
	s.Require().NotNil(got.VoidedAt)

	s.Require().ErrorIs(s.records.Void(ctx, rec.ID, "again", now), sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestRepoint() {
	ctx := context.Background()
	portfolioID := domain.NewPortfolioID()
	from := domain.NewThreadID()
	to := domain.NewThreadID()

	for i := 0; i < 3; i++ {
		rec := s.record(portfolioID)
		rec.ThreadID = &from
		s.Require().NoError(s.records.Insert(ctx, rec))
	}

	moved, err := s.records.Repoint(ctx, from, to)
	s.Require().NoError(err)
	s.Equal(3, moved)

	onTo, err := s.records.ListByThread(ctx, to)
	s.Require().NoError(err)
	s.Len(onTo, 3)

	onFrom, err := s.records.ListByThread(ctx, from)
	s.Require().NoError(err)
	s.Empty(onFrom)
}

func (s *PostgresStoreSuite) TestCountActiveByThread() {
	ctx := context.Background()
	portfolioID := domain.NewPortfolioID()
	threadID := domain.NewThreadID()

	live := s.record(portfolioID)
	live.ThreadID = &threadID
	s.Require().NoError(s.records.Insert(ctx, live))

	voided := s.record(portfolioID)
	voided.ThreadID = &threadID
	s.Require().NoError(s.records.Insert(ctx, voided))
	s.Require().NoError(s.records.Void(ctx, voided.ID, "duplicate", time.Now().UTC()))

	count, err := s.records.CountActiveByThread(ctx, threadID)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *PostgresStoreSuite) TestRevisionVersionsAreUnique() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	s.Require().NoError(s.records.Insert(ctx, rec))

	rev := s.revision(rec.ID, 1)
	s.Require().NoError(s.revisions.Insert(ctx, rev))

	dup := s.revision(rec.ID, 1)
	s.Require().ErrorIs(s.revisions.Insert(ctx, dup), sentinel.ErrConflict)

	s.Require().NoError(s.revisions.Insert(ctx, s.revision(rec.ID, 2)))

	latest, err := s.revisions.Latest(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(2, latest.Version)

	all, err := s.revisions.ListByRecord(ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(1, all[0].Version)
}

func (s *PostgresStoreSuite) TestFinalizedRevisionIsImmutable() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	s.Require().NoError(s.records.Insert(ctx, rec))

	rev := s.revision(rec.ID, 1)
	s.Require().NoError(s.revisions.Insert(ctx, rev))

	err := s.revisions.UpdatePayload(ctx, rev.ID, map[string]any{"summary": "updated"}, "clarified wording")
	s.Require().NoError(err)

	got, err := s.revisions.Get(ctx, rev.ID)
	s.Require().NoError(err)
	s.Equal("updated", got.Payload["summary"])
	s.Equal("clarified wording", got.ChangeReason)

	by := domain.NewUserID()
	at := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.revisions.Finalize(ctx, rev.ID, "deadbeef", by, at))

	got, err = s.revisions.Get(ctx, rev.ID)
	s.Require().NoError(err)
	s.Equal("deadbeef", got.ContentHash)
	s.Require().NotNil(got.FinalizedBy)
	s.Equal(by, *got.FinalizedBy)

	err = s.revisions.UpdatePayload(ctx, rev.ID, map[string]any{"summary": "tampered"}, "")
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	err = s.revisions.Finalize(ctx, rev.ID, "cafebabe", by, at)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestListDangling() {
	ctx := context.Background()
	rec := s.record(domain.NewPortfolioID())
	s.Require().NoError(s.records.Insert(ctx, rec))
	s.Require().NoError(s.revisions.Insert(ctx, s.revision(rec.ID, 1)))

	stray := s.revision(domain.NewRecordID(), 1)
	s.Require().NoError(s.revisions.Insert(ctx, stray))

	dangling, err := s.revisions.ListDangling(ctx)
	s.Require().NoError(err)
	s.Require().Len(dangling, 1)
	s.Equal(stray.ID, dangling[0].ID)

	s.Require().NoError(s.revisions.Delete(ctx, stray.ID))
	s.Require().ErrorIs(s.revisions.Delete(ctx, stray.ID), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestEventLogOrdering() {
	ctx := context.Background()
	recordID := domain.NewRecordID()
	revisionID := domain.NewRevisionID()
	actor := domain.NewUserID()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, action := range []string{"created", "finalized", "amended"} {
		ev := revision.Event{
			ID:        uuid.New(),
			RecordID:  recordID,
			Action:    action,
			ActorID:   actor,
			ActorName: "Dana Trustee",
			Detail:    map[string]any{"step": action},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if action == "finalized" {
			ev.RevisionID = &revisionID
		}
		s.Require().NoError(s.events.Append(ctx, ev))
	}

	events, err := s.events.ListByRecord(ctx, recordID)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal("created", events[0].Action)
	s.Equal("amended", events[2].Action)
	s.Require().NotNil(events[1].RevisionID)
	s.Equal(revisionID, *events[1].RevisionID)
	s.Equal("Dana Trustee", events[0].ActorName)
	s.Equal("finalized", events[1].Detail["step"])
}
