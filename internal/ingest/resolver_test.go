package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph/memory"
	"github.com/JakeFAU/recipe-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/recipe-graph-crawler/internal/metrics"
)

func newMemStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(uuid.New())
	require.NoError(t, s.AlterSchema(context.Background(), graph.DefaultSchema()))
	return s
}

func TestResolveIsStableAndCreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemStore(t)
	spy := &spyStore{Store: mem}
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	r := NewResolver(spy, nil, m)

	first, err := r.Resolve(ctx, "beurre")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		got, err := r.Resolve(ctx, "beurre")
		require.NoError(t, err)
		require.Equal(t, first, got)
	}
	require.Len(t, spy.txnsOfKind(graph.KindIngredient), 1, "exactly one create")
	require.Equal(t, 1, spy.lookupCount(), "warm cache skips the store")
	require.Len(t, mem.Nodes(graph.KindIngredient), 1)

	txn := spy.txnsOfKind(graph.KindIngredient)[0]
	require.True(t, txn.committed)
	require.True(t, txn.discarded, "discard runs after commit")
}

func TestResolveReusesExistingEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemStore(t)

	// A previous process created "sel"; this resolver starts cold.
	prev := NewResolver(mem, nil, nil)
	want, err := prev.Resolve(ctx, "sel")
	require.NoError(t, err)

	spy := &spyStore{Store: mem}
	r := NewResolver(spy, nil, nil)
	got, err := r.Resolve(ctx, "sel")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Empty(t, spy.txnsOfKind(graph.KindIngredient))

	cached, ok := r.Cached("sel")
	require.True(t, ok)
	require.Equal(t, want, cached)
	require.Equal(t, 1, r.Len())
}

func TestResolveConcurrentSameNameCreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := newMemStore(t)
	spy := &spyStore{Store: mem, lookupDelay: 20 * time.Millisecond}
	r := NewResolver(spy, nil, nil)

	const callers = 16
	uids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uids[i], errs[i] = r.Resolve(ctx, "farine")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, uid := range uids {
		require.Equal(t, uids[0], uid)
	}
	require.Len(t, mem.Nodes(graph.KindIngredient), 1)
	require.Equal(t, 1, spy.lookupCount())
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("store down")
	spy := &spyStore{Store: newMemStore(t), failLookup: boom}
	r := NewResolver(spy, nil, nil)

	_, err := r.Resolve(context.Background(), "oeuf")
	require.ErrorIs(t, err, boom)
	_, ok := r.Cached("oeuf")
	require.False(t, ok, "failures are not cached")
}
