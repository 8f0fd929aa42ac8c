package rmid_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/internal/rmid"
	"trustledger/internal/rmid/store"
	"trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/sentinel"
)

// sequentialSampler cycles 1..99 deterministically so reservation tests do
// not depend on random collisions resolving in time.
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

func newService(t *testing.T, opts ...rmid.Option) (*rmid.Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]rmid.Option{rmid.WithGroupSampler(sequentialSampler())}, opts...)
	svc, err := rmid.New(mem, mem, mem, opts...)
	require.NoError(t, err)
	return svc, mem
}

type fixedResolver struct {
	group int
	known map[domain.RecordID]int
}

func (r *fixedResolver) GroupForRecord(_ context.Context, recordID domain.RecordID) (int, error) {
	if g, ok := r.known[recordID]; ok {
		return g, nil
	}
	if r.group > 0 {
		return r.group, nil
	}
	return 0, sentinel.ErrNotFound
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	portfolio := domain.NewPortfolioID()
	const base = "RF000000001US"

	t.Run("first allocation creates a group and issues sub 1", func(t *testing.T) {
		svc, _ := newService(t)
		got, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes,
		})
		require.NoError(t, err)
		assert.True(t, got.IsNewGroup)
		assert.Equal(t, 1, got.Sub)
		assert.Equal(t, fmt.Sprintf("%s-%d.001", base, got.Group), got.RMID)
	})

	t.Run("relation key reuses the same group with sequential subs", func(t *testing.T) {
		svc, _ := newService(t)
		first, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleDistribution, RelationKey: "estate-2024",
		})
		require.NoError(t, err)
		second, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleDistribution, RelationKey: "estate-2024",
		})
		require.NoError(t, err)

		assert.Equal(t, first.Group, second.Group)
		assert.Equal(t, 1, first.Sub)
		assert.Equal(t, 2, second.Sub)
		assert.False(t, second.IsNewGroup)
	})

	t.Run("relation keys match regardless of casing and whitespace", func(t *testing.T) {
		svc, _ := newService(t)
		first, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleDistribution, RelationKey: "Estate-2024",
		})
		require.NoError(t, err)
		second, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleDistribution, RelationKey: "  estate-2024 ",
		})
		require.NoError(t, err)

		assert.Equal(t, first.Group, second.Group)
		assert.False(t, second.IsNewGroup)
	})

	t.Run("related record wins over relation key", func(t *testing.T) {
		svc, _ := newService(t)
		seed, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleDispute,
		})
		require.NoError(t, err)

		recordID := domain.NewRecordID()
		resolver := &fixedResolver{known: map[domain.RecordID]int{recordID: seed.Group}}
		svc2, _ := newService(t, rmid.WithRelatedGroupResolver(resolver))
		// Seed the same group in svc2's store.
		_, err = svc2.Allocate(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Base: base, Module: domain.ModuleDispute})
		require.NoError(t, err)

		got, err := svc2.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID:     portfolio,
			Base:            base,
			Module:          domain.ModuleDispute,
			RelationKey:     "ignored",
			RelatedRecordID: &recordID,
		})
		require.NoError(t, err)
		assert.Equal(t, seed.Group, got.Group)
		assert.Equal(t, 2, got.Sub)
	})

	t.Run("unrelated allocations land in distinct groups", func(t *testing.T) {
		svc, _ := newService(t)
		a, err := svc.Allocate(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes})
		require.NoError(t, err)
		b, err := svc.Allocate(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes})
		require.NoError(t, err)
		assert.NotEqual(t, a.Group, b.Group)
	})

	t.Run("missing base synthesizes a provisional one", func(t *testing.T) {
		svc, _ := newService(t)
		got, err := svc.Allocate(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Module: domain.ModuleMinutes})
		require.NoError(t, err)
		assert.Contains(t, got.RMID, "TP-")
		assert.Equal(t, rmid.ProvisionalBase(portfolio), got.Base)
	})

	t.Run("nil portfolio is rejected", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Allocate(ctx, rmid.AllocateRequest{Base: base})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("hundredth unrelated allocation exhausts the group space", func(t *testing.T) {
		svc, _ := newService(t)
		solo := domain.NewPortfolioID()
		for i := 0; i < rmid.MaxGroup; i++ {
			_, err := svc.Allocate(ctx, rmid.AllocateRequest{PortfolioID: solo, Base: base, Module: domain.ModuleMinutes})
			require.NoError(t, err, "allocation %d", i+1)
		}
		_, err := svc.Allocate(ctx, rmid.AllocateRequest{PortfolioID: solo, Base: base, Module: domain.ModuleMinutes})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAllocationExhausted))
	})
}

// TestAllocateConcurrent verifies the uniqueness property: N concurrent
// allocations within one (portfolio, base) yield N distinct RM-IDs.
func TestAllocateConcurrent(t *testing.T) {
	ctx := context.Background()
	portfolio := domain.NewPortfolioID()
	const base = "RF000000001US"
	const goroutines = 80

	svc, _ := newService(t)

	var wg sync.WaitGroup
	results := make(chan string, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half share one thread via relation key, half are unrelated.
			req := rmid.AllocateRequest{PortfolioID: portfolio, Base: base, Module: domain.ModuleDistribution}
			if i%2 == 0 {
				req.RelationKey = "shared-thread"
			}
			got, err := svc.Allocate(ctx, req)
			if err == nil {
				results <- got.RMID
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for rmID := range results {
		assert.False(t, seen[rmID], "duplicate rm_id %s", rmID)
		seen[rmID] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestSubnumbersAreGapless(t *testing.T) {
	ctx := context.Background()
	portfolio := domain.NewPortfolioID()
	const base = "RF000000001US"

	svc, _ := newService(t)
	for want := 1; want <= 25; want++ {
		got, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes, RelationKey: "one-thread",
		})
		require.NoError(t, err)
		assert.Equal(t, want, got.Sub, "subnumbers must be sequential with no gaps")
	}
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	portfolio := domain.NewPortfolioID()
	const base = "RF000000001US"

	t.Run("returns NEW sentinel before any group exists", func(t *testing.T) {
		svc, _ := newService(t)
		got, err := svc.Preview(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Base: base})
		require.NoError(t, err)
		assert.True(t, got.IsNewGroup)
		assert.Equal(t, base+"-[NEW]", got.Display)
	})

	t.Run("does not consume a subnumber", func(t *testing.T) {
		svc, _ := newService(t)
		first, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes, RelationKey: "k",
		})
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			preview, err := svc.Preview(ctx, rmid.AllocateRequest{PortfolioID: portfolio, Base: base, RelationKey: "k"})
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%s-%d.002", base, first.Group), preview.Display)
		}

		next, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleMinutes, RelationKey: "k",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, next.Sub)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	portfolio := domain.NewPortfolioID()
	const base = "RF000000001US"

	svc, _ := newService(t)
	for i := 0; i < 3; i++ {
		_, err := svc.Allocate(ctx, rmid.AllocateRequest{
			PortfolioID: portfolio, Base: base, Module: domain.ModuleCompensation, RelationKey: "comp",
		})
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, portfolio, base)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].IsNewGroup)
	assert.False(t, history[1].IsNewGroup)
	assert.Equal(t, domain.ModuleCompensation, history[2].Module)
}
