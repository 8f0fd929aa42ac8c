package revision_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/internal/revision"
	"trustledger/internal/revision/store"
	"trustledger/internal/rmid"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/testutil"
)

func newService(t *testing.T, opts ...revision.Option) (*revision.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc, err := revision.New(mem.Records(), mem.Revisions(), mem.Events(), opts...)
	require.NoError(t, err)
	return svc, mem
}

func testContext() context.Context {
	return testutil.Context("Dana Trustee", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
}

func minutesPayload() map[string]any {
	return map[string]any{
		"meeting_date": "2026-03-01",
		"summary":      "Quarterly review of distributions.",
	}
}

func createMinutes(t *testing.T, ctx context.Context, svc *revision.Service, portfolio domain.PortfolioID) *revision.View {
	t.Helper()
	view, err := svc.Create(ctx, revision.CreateRequest{
		PortfolioID: portfolio,
		Module:      domain.ModuleMinutes,
		RMID:        "TF000000123US-7.001",
		Payload:     minutesPayload(),
	})
	require.NoError(t, err)
	return view
}

type stubAllocator struct {
	mu   sync.Mutex
	got  []rmid.AllocateRequest
	rmID string
}

func (a *stubAllocator) Allocate(_ context.Context, req rmid.AllocateRequest) (*rmid.AllocationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, req)
	return &rmid.AllocationResult{RMID: a.rmID, Base: req.Base, Group: 7, Sub: 1}, nil
}

func TestCreate(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("opens a draft record with an initial revision", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)

		assert.Equal(t, domain.StatusDraft, view.Record.Status)
		assert.Equal(t, view.Revision.ID, view.Record.CurrentRevisionID)
		assert.Equal(t, 1, view.Revision.Version)
		assert.Equal(t, domain.ChangeInitial, view.Revision.ChangeType)
		assert.Empty(t, view.Revision.ContentHash, "drafts are not hashed")
		assert.Empty(t, view.Revision.ParentHash)
	})

	t.Run("allocates an rm_id when none is supplied", func(t *testing.T) {
		allocator := &stubAllocator{rmID: "TF000000123US-7.001"}
		svc, _ := newService(t, revision.WithAllocator(allocator))

		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Base:        "TF000000123US",
			Module:      domain.ModuleDispute,
			RelationKey: "claim-2026",
			Payload:     map[string]any{"claimant": "B. Ward", "description": "disputed invoice"},
		})
		require.NoError(t, err)
		assert.Equal(t, "TF000000123US-7.001", view.Record.RMID)
		require.Len(t, allocator.got, 1)
		assert.Equal(t, "claim-2026", allocator.got[0].RelationKey)
	})

	t.Run("rejects unknown module types", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio, Module: "ledger", RMID: "X-1.001", Payload: map[string]any{},
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("requires an rm_id without an allocator", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio, Module: domain.ModuleMinutes, Payload: map[string]any{},
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func TestUpdate(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("replaces a draft payload", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)

		updated, err := svc.Update(ctx, view.Revision.ID, map[string]any{
			"meeting_date": "2026-03-02",
			"summary":      "Rescheduled.",
		}, "date correction")
		require.NoError(t, err)
		assert.Equal(t, "2026-03-02", updated.Payload["meeting_date"])
		assert.Equal(t, "date correction", updated.ChangeReason)
	})

	t.Run("rejects writes to a finalized revision", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		_, err = svc.Update(ctx, view.Revision.ID, map[string]any{"summary": "rewritten"}, "")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestFinalize(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("locks the revision and stamps a content hash", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)

		finalized, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFinalized, finalized.Record.Status)
		require.NotNil(t, finalized.Revision.FinalizedAt)
		assert.Len(t, finalized.Revision.ContentHash, 64)

		recomputed, err := revision.ContentHash(finalized.Revision)
		require.NoError(t, err)
		assert.Equal(t, finalized.Revision.ContentHash, recomputed)
	})

	t.Run("volatile payload fields do not change the hash", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		plain, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		noisy := plain.Revision
		noisy.Payload = minutesPayload()
		noisy.Payload["view_count"] = 41
		noisy.Payload["cached_status"] = "active"
		noisyHash, err := revision.ContentHash(noisy)
		require.NoError(t, err)
		assert.Equal(t, plain.Revision.ContentHash, noisyHash)
	})

	t.Run("reports missing required fields", func(t *testing.T) {
		svc, _ := newService(t)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleMinutes,
			RMID:        "TF000000123US-7.002",
			Payload:     map[string]any{"meeting_date": "2026-03-01"},
		})
		require.NoError(t, err)

		_, err = svc.Finalize(ctx, view.Record.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Contains(t, err.Error(), "summary")
	})

	t.Run("approval-path modules cannot finalize from draft", func(t *testing.T) {
		svc, _ := newService(t)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleDistribution,
			RMID:        "TF000000123US-8.001",
			Payload: map[string]any{
				"amount": 2500, "beneficiary": "A. Reyes", "distribution_date": "2026-04-01",
			},
		})
		require.NoError(t, err)

		_, err = svc.Finalize(ctx, view.Record.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("a second finalize is rejected, never re-hashed", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		first, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		_, err = svc.Finalize(ctx, view.Record.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		history, err := svc.History(ctx, view.Record.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, first.Revision.ContentHash, history[0].ContentHash)
	})
}

func TestFinalizeConcurrent(t *testing.T) {
	ctx := testContext()
	svc, _ := newService(t)
	view := createMinutes(t, ctx, svc, domain.NewPortfolioID())

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Finalize(ctx, view.Record.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes, "exactly one finalize may win")
}

func TestAmend(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("chains a new draft to the finalized hash", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		finalized, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		amended, err := svc.Amend(ctx, view.Record.ID, "corrected attendee list", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusAmended, amended.Record.Status)
		assert.Equal(t, 2, amended.Revision.Version)
		assert.Equal(t, domain.ChangeAmendment, amended.Revision.ChangeType)
		assert.Equal(t, finalized.Revision.ContentHash, amended.Revision.ParentHash)
		assert.Equal(t, finalized.Record.RMID, amended.Record.RMID, "amendments keep the rm_id")
		assert.Empty(t, amended.Revision.ContentHash, "amendment starts as an unhashed draft")
	})

	t.Run("amendment payload starts as an independent copy", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		amended, err := svc.Amend(ctx, view.Record.ID, "fix summary", nil)
		require.NoError(t, err)
		amended.Revision.Payload["summary"] = "mutated"

		original, err := svc.History(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, minutesPayload()["summary"], original[0].Payload["summary"])
	})

	t.Run("finalizing an amendment extends the chain", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		v1, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		amended, err := svc.Amend(ctx, view.Record.ID, "fix summary", nil)
		require.NoError(t, err)
		_, err = svc.Update(ctx, amended.Revision.ID, map[string]any{
			"meeting_date": "2026-03-01",
			"summary":      "Quarterly review, corrected.",
		}, "")
		require.NoError(t, err)

		v2, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFinalized, v2.Record.Status)
		assert.Equal(t, v1.Revision.ContentHash, v2.Revision.ParentHash)
		assert.NotEqual(t, v1.Revision.ContentHash, v2.Revision.ContentHash)
	})

	t.Run("the finalized revision stays current until the amendment finalizes", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		v1, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		amended, err := svc.Amend(ctx, view.Record.ID, "corrected attendee list", nil)
		require.NoError(t, err)

		// The open draft must not be served as current: reads and seal
		// hashing keep seeing the finalized content.
		got, err := svc.Get(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.Revision.ID, got.Record.CurrentRevisionID)
		assert.Equal(t, v1.Revision.ContentHash, got.Revision.ContentHash)
		require.NotNil(t, got.Revision.FinalizedAt)
		assert.Equal(t, domain.StatusAmended, got.Record.Status)

		_, err = svc.Update(ctx, amended.Revision.ID, map[string]any{
			"meeting_date": "2026-03-01",
			"summary":      "Quarterly review, attendees corrected.",
		}, "")
		require.NoError(t, err)
		v2, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		got, err = svc.Get(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.Revision.ID, got.Record.CurrentRevisionID)
		assert.Equal(t, 2, got.Revision.Version)
	})

	t.Run("a second amend is rejected while a draft is open", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)
		_, err = svc.Amend(ctx, view.Record.ID, "first correction", nil)
		require.NoError(t, err)

		_, err = svc.Amend(ctx, view.Record.ID, "second correction", nil)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("draft records cannot be amended", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)

		_, err := svc.Amend(ctx, view.Record.ID, "too early", nil)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("requires a change reason", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		_, err = svc.Amend(ctx, view.Record.ID, "", nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestVoid(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("voids from any non-voided state", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)

		voided, err := svc.Void(ctx, view.Record.ID, "entered against the wrong portfolio")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusVoided, voided.Status)
		require.NotNil(t, voided.VoidedAt)
	})

	t.Run("void is terminal", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Void(ctx, view.Record.ID, "duplicate entry")
		require.NoError(t, err)

		_, err = svc.Void(ctx, view.Record.ID, "again")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		_, err = svc.Finalize(ctx, view.Record.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		_, err = svc.Transition(ctx, view.Record.ID, domain.StatusFinalized)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("history survives voiding", func(t *testing.T) {
		svc, _ := newService(t)
		view := createMinutes(t, ctx, svc, portfolio)
		_, err := svc.Void(ctx, view.Record.ID, "superseded")
		require.NoError(t, err)

		history, err := svc.History(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestTransition(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("walks the approval path in order", func(t *testing.T) {
		svc, _ := newService(t)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleCompensation,
			RMID:        "TF000000123US-9.001",
			Payload:     map[string]any{"trustee": "D. Okafor", "amount": 1800, "period": "2026-Q1"},
		})
		require.NoError(t, err)

		for _, next := range []domain.RecordStatus{
			domain.StatusPendingApproval, domain.StatusApproved, domain.StatusExecuted,
		} {
			rec, err := svc.Transition(ctx, view.Record.ID, next)
			require.NoError(t, err)
			assert.Equal(t, next, rec.Status)
		}

		finalized, err := svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFinalized, finalized.Record.Status)
	})

	t.Run("rejects skipped steps", func(t *testing.T) {
		svc, _ := newService(t)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleDistribution,
			RMID:        "TF000000123US-9.002",
			Payload:     map[string]any{},
		})
		require.NoError(t, err)

		_, err = svc.Transition(ctx, view.Record.ID, domain.StatusExecuted)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestGetOperationalStatus(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()

	t.Run("draft payloads never report an active-like status", func(t *testing.T) {
		svc, _ := newService(t)
		effective := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleInsurance,
			RMID:        "TF000000123US-5.001",
			EffectiveAt: &effective,
			Payload: map[string]any{
				"carrier": "Acme Mutual", "policy_number": "PN-1", "effective_date": "2026-01-01",
				"status": "active",
			},
		})
		require.NoError(t, err)

		got, err := svc.Get(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, "draft", got.OperationalStatus)
	})

	t.Run("finalized insurance derives from the effective window", func(t *testing.T) {
		svc, _ := newService(t)
		effective := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		view, err := svc.Create(ctx, revision.CreateRequest{
			PortfolioID: portfolio,
			Module:      domain.ModuleInsurance,
			RMID:        "TF000000123US-5.002",
			EffectiveAt: &effective,
			Payload: map[string]any{
				"carrier": "Acme Mutual", "policy_number": "PN-2", "effective_date": "2026-01-01",
			},
		})
		require.NoError(t, err)
		_, err = svc.Finalize(ctx, view.Record.ID)
		require.NoError(t, err)

		got, err := svc.Get(ctx, view.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, "active", got.OperationalStatus)
	})
}

func TestEvents(t *testing.T) {
	ctx := testContext()
	svc, _ := newService(t)
	view := createMinutes(t, ctx, svc, domain.NewPortfolioID())
	_, err := svc.Finalize(ctx, view.Record.ID)
	require.NoError(t, err)
	_, err = svc.Amend(ctx, view.Record.ID, "typo", nil)
	require.NoError(t, err)

	events, err := svc.Events(ctx, view.Record.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, revision.ActionCreated, events[0].Action)
	assert.Equal(t, revision.ActionFinalized, events[1].Action)
	assert.Equal(t, revision.ActionAmended, events[2].Action)
	assert.Equal(t, "Dana Trustee", events[0].ActorName)
}

func TestGroupResolver(t *testing.T) {
	ctx := testContext()
	svc, mem := newService(t)
	view := createMinutes(t, ctx, svc, domain.NewPortfolioID())

	resolver := revision.NewGroupResolver(mem.Records())

	group, err := resolver.GroupForRecord(ctx, view.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, group)

	_, err = resolver.GroupForRecord(ctx, domain.NewRecordID())
	assert.Error(t, err)
}
