package thread_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/internal/rmid"
	rmidstore "trustledger/internal/rmid/store"
	"trustledger/internal/thread"
	"trustledger/internal/thread/store"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/testutil"
)

func sequentialSampler() func() int {
	var mu sync.Mutex
	n := 0
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		n = n%rmid.MaxGroup + 1
		return n
	}
}

// newService wires a thread registry over a shared group table and returns
// both, so tests can run the allocator against the same group space.
func newService(t *testing.T, opts ...thread.Option) (*thread.Service, *rmidstore.MemoryStore) {
	t.Helper()
	groups := rmidstore.NewMemory()
	opts = append([]thread.Option{thread.WithGroupSampler(sequentialSampler())}, opts...)
	svc, err := thread.New(store.NewMemory(), groups, opts...)
	require.NoError(t, err)
	return svc, groups
}

func testContext() context.Context {
	return testutil.Context("Dana Trustee", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
}

type fixedRefCounter struct{ live int }

func (c *fixedRefCounter) CountActiveByThread(context.Context, domain.ThreadID) (int, error) {
	return c.live, nil
}

type fakeRepointer struct {
	mu    sync.Mutex
	moved map[domain.ThreadID]domain.ThreadID
	count int
}

func (r *fakeRepointer) Repoint(_ context.Context, from, to domain.ThreadID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.moved == nil {
		r.moved = make(map[domain.ThreadID]domain.ThreadID)
	}
	r.moved[from] = to
	return r.count, nil
}

func TestCreate(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	t.Run("reserves a group without consuming a subnumber", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Okafor claims", Party: "B. Okafor",
		})
		require.NoError(t, err)
		assert.NotZero(t, created.Group)

		first, err := svc.AllocateSub(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Sub, "thread creation must not consume sub 1")
	})

	t.Run("shares group space with the allocator", func(t *testing.T) {
		svc, groups := newService(t)
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Estate 2026",
		})
		require.NoError(t, err)

		allocator, err := rmid.New(groups, groups, groups,
			rmid.WithGroupSampler(sequentialSampler()))
		require.NoError(t, err)
		got, err := allocator.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes,
		})
		require.NoError(t, err)
		assert.NotEqual(t, created.Group, got.Group,
			"an unrelated allocation must not reuse a thread's group")
	})

	t.Run("requires a title", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Create(ctx, thread.CreateRequest{PortfolioID: portfolio, Base: base})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("synthesizes a provisional base when none is stored", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Title: "No base yet",
		})
		require.NoError(t, err)
		assert.Equal(t, rmid.ProvisionalBase(portfolio), created.Base)
	})
}

func TestAllocateSub(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	t.Run("issues gapless sequential subnumbers", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Sequence",
		})
		require.NoError(t, err)

		for want := 1; want <= 5; want++ {
			got, err := svc.AllocateSub(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got.Sub)
			assert.Equal(t, rmid.FormatRMID(base, created.Group, want), got.RMID)
		}
	})

	t.Run("preview does not consume", func(t *testing.T) {
		svc, _ := newService(t)
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Preview",
		})
		require.NoError(t, err)

		preview, err := svc.Preview(ctx, created.ID)
		require.NoError(t, err)
		again, err := svc.Preview(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, preview, again)

		got, err := svc.AllocateSub(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, preview, got.RMID)
	})

	t.Run("deleted threads refuse allocation", func(t *testing.T) {
		svc, _ := newService(t, thread.WithRecordRefCounter(&fixedRefCounter{}))
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Doomed",
		})
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, created.ID))

		_, err = svc.AllocateSub(ctx, created.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestSuggest(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	seed := func(t *testing.T, svc *thread.Service, title, party, category string) *thread.Thread {
		t.Helper()
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: title, Party: party, Category: category,
		})
		require.NoError(t, err)
		return created
	}

	t.Run("single match is exact", func(t *testing.T) {
		svc, _ := newService(t)
		want := seed(t, svc, "Reyes distributions", "A. Reyes", "distribution")
		seed(t, svc, "Okafor disputes", "B. Okafor", "dispute")

		got, err := svc.Suggest(ctx, portfolio, base, "a. reyes", "distribution")
		require.NoError(t, err)
		assert.Equal(t, thread.MatchExact, got.Outcome)
		require.NotNil(t, got.Thread)
		assert.Equal(t, want.ID, got.Thread.ID)
	})

	t.Run("several matches are ambiguous", func(t *testing.T) {
		svc, _ := newService(t)
		seed(t, svc, "Reyes distributions", "A. Reyes", "distribution")
		seed(t, svc, "Reyes trust income", "A. Reyes", "distribution")

		got, err := svc.Suggest(ctx, portfolio, base, "A. Reyes", "distribution")
		require.NoError(t, err)
		assert.Equal(t, thread.MatchAmbiguous, got.Outcome)
		assert.Len(t, got.Candidates, 2)
	})

	t.Run("no match is none", func(t *testing.T) {
		svc, _ := newService(t)
		seed(t, svc, "Reyes distributions", "A. Reyes", "distribution")

		got, err := svc.Suggest(ctx, portfolio, base, "Nobody", "")
		require.NoError(t, err)
		assert.Equal(t, thread.MatchNone, got.Outcome)
	})
}

func TestSearch(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	svc, _ := newService(t)
	for _, seed := range []struct{ title, party, category string }{
		{"Reyes distributions", "A. Reyes", "distribution"},
		{"Okafor insurance", "B. Okafor", "insurance"},
		{"Annual minutes", "", "minutes"},
	} {
		_, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base,
			Title: seed.title, Party: seed.party, Category: seed.category,
		})
		require.NoError(t, err)
	}

	byQuery, err := svc.Search(ctx, portfolio, base, thread.SearchFilter{Query: "reyes"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "Reyes distributions", byQuery[0].Title)

	byCategory, err := svc.Search(ctx, portfolio, base, thread.SearchFilter{Category: "insurance"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)

	all, err := svc.List(ctx, portfolio, base)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDelete(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	t.Run("blocked while live records reference the thread", func(t *testing.T) {
		svc, _ := newService(t, thread.WithRecordRefCounter(&fixedRefCounter{live: 3}))
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Referenced",
		})
		require.NoError(t, err)

		err = svc.Delete(ctx, created.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("soft delete keeps the group reserved", func(t *testing.T) {
		svc, groups := newService(t, thread.WithRecordRefCounter(&fixedRefCounter{}))
		created, err := svc.Create(ctx, thread.CreateRequest{
			PortfolioID: portfolio, Base: base, Title: "Retired",
		})
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, created.ID))

		err = svc.Delete(ctx, created.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		_, err = groups.Get(ctx, portfolio, base, created.Group)
		assert.NoError(t, err, "the group row must outlive the thread")
	})
}

func TestMerge(t *testing.T) {
	ctx := testContext()
	portfolio := domain.NewPortfolioID()
	const base = "TF000000123US"

	repointer := &fakeRepointer{count: 2}
	svc, _ := newService(t, thread.WithRecordRepointer(repointer))

	primary, err := svc.Create(ctx, thread.CreateRequest{
		PortfolioID: portfolio, Base: base, Title: "Primary", Party: "A. Reyes",
	})
	require.NoError(t, err)
	dup, err := svc.Create(ctx, thread.CreateRequest{
		PortfolioID: portfolio, Base: base, Title: "Duplicate", Party: "A. Reyes",
	})
	require.NoError(t, err)

	moved, err := svc.Merge(ctx, primary.ID, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, primary.ID, repointer.moved[dup.ID])

	merged, err := svc.Get(ctx, dup.ID)
	require.NoError(t, err)
	assert.True(t, merged.Deleted())

	kept, err := svc.Get(ctx, primary.ID)
	require.NoError(t, err)
	assert.False(t, kept.Deleted())
}
