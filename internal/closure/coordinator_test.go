package closure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
)

func newTestCoordinator(t *testing.T, store *graph.Store, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	c := NewCoordinator(store, newTestEngine(t), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoordinator_MembershipClosureCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	cl, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"all-staff", "eng"}, cl.Groups())

	// Second read at the same version is served from cache.
	cl2, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.Equal(t, cl.Version, cl2.Version)

	hits, misses, size := coord.Stats()
	assert.Equal(t, int64(1), hits)
	assert.GreaterOrEqual(t, misses, int64(1))
	assert.Equal(t, 1, size)
}

func TestCoordinator_RecomputesAfterMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	cl, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.True(t, cl.Contains("eng"))

	require.NoError(t, store.RemoveMembership(ctx, graph.UserRef("alice"), "eng"))

	cl, err = coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.False(t, cl.Contains("eng"))
	assert.False(t, cl.Contains("all-staff"))
	assert.Equal(t, store.Version(), cl.Version)
}

func TestCoordinator_PermissionClosureTracksGrants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	cl, err := coord.PermissionClosure(ctx, "eng")
	require.NoError(t, err)
	require.Len(t, cl.Grants, 2)

	// A grant added to a container invalidates contained groups too.
	require.NoError(t, store.AddGrant(ctx, "all-staff", "cafeteria.enter", "", ""))

	cl, err = coord.PermissionClosure(ctx, "eng")
	require.NoError(t, err)
	assert.Len(t, cl.Grants, 3)
}

func TestCoordinator_DisableEnableRestoresResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	before, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.True(t, before.Contains("all-staff"))

	require.NoError(t, store.SetGroupDisabled(ctx, "eng", true))
	during, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.Empty(t, during.Paths)

	require.NoError(t, store.SetGroupDisabled(ctx, "eng", false))
	after, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)
	assert.Equal(t, before.Groups(), after.Groups())
}

func TestCoordinator_NotFoundGroup(t *testing.T) {
	t.Parallel()

	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	_, err := coord.PermissionClosure(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, graph.IsNotFound(err))
}

func TestCoordinator_EffectiveMembers(t *testing.T) {
	t.Parallel()

	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	users, err := coord.EffectiveMembers(context.Background(), "all-staff")
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestCoordinator_ConcurrentReadsOneResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	const readers = 16
	var wg sync.WaitGroup
	results := make([]*MembershipClosure, readers)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.MembershipClosure(ctx, graph.UserRef("alice"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"all-staff", "eng"}, results[i].Groups())
		assert.Equal(t, store.Version(), results[i].Version)
	}
}

func TestCoordinator_ReadDuringMutationsIsVersionConsistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		on := true
		for {
			select {
			case <-stop:
				return
			default:
			}
			if on {
				_ = store.RemoveMembership(ctx, graph.GroupRef("eng"), "all-staff")
			} else {
				_ = store.AddMembership(ctx, graph.GroupRef("eng"), "all-staff", graph.RoleMember)
			}
			on = !on
		}
	}()

	// Every result must be internally consistent: it either contains
	// both eng and all-staff or just eng, never a half-applied edge.
	for i := 0; i < 100; i++ {
		cl, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
		require.NoError(t, err)
		require.True(t, cl.Contains("eng"))
		if cl.Contains("all-staff") {
			assert.Equal(t, []string{"eng", "all-staff"}, cl.Paths["all-staff"])
		}
	}

	close(stop)
	wg.Wait()
}

func TestCoordinator_BackgroundRefresh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store, WithBackgroundRefresh(10*time.Millisecond))

	_, err := coord.MembershipClosure(ctx, graph.UserRef("alice"))
	require.NoError(t, err)

	require.NoError(t, store.AddMembership(ctx, graph.UserRef("alice"), "ops", graph.RoleMember))

	// The refresher rebuilds the stale entry without a read. Poll the
	// cache directly until the fresh version lands.
	want := store.Version()
	require.Eventually(t, func() bool {
		e, ok := coord.cache.get(membershipKey(graph.UserRef("alice")))
		return ok && e.state == StateFresh && e.version == want
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := buildOrgGraph(t)
	coord := NewCoordinator(store, newTestEngine(t), WithBackgroundRefresh(time.Hour))

	require.NoError(t, coord.Close())
	require.NoError(t, coord.Close())
}

func TestCoordinator_MaxEntriesOption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := buildOrgGraph(t)
	coord := newTestCoordinator(t, store, WithMaxEntries(2))

	for _, g := range []string{"eng", "ops", "all-staff"} {
		_, err := coord.PermissionClosure(ctx, g)
		require.NoError(t, err)
	}

	_, _, size := coord.Stats()
	assert.Equal(t, 2, size)
}

func TestCoordinator_InvalidationCeilingDropsCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tunables := config.NewTunables(config.EngineConfig{CycleCheckCeiling: 10000, TraversalCeiling: 1})
	store := graph.NewStore(config.NewTunables(config.EngineConfig{CycleCheckCeiling: 10000, TraversalCeiling: 10000}))
	coord := NewCoordinator(store, NewEngine(config.NewTunables(config.EngineConfig{CycleCheckCeiling: 10000, TraversalCeiling: 10000})))
	t.Cleanup(func() { _ = coord.Close() })

	// Swap in a low-ceiling engine only for invalidation traversal.
	coord.engine = NewEngine(tunables)

	require.NoError(t, store.AddGroup(ctx, "top"))
	for _, u := range []string{"u1", "u2"} {
		require.NoError(t, store.AddUser(ctx, u))
		require.NoError(t, store.AddMembership(ctx, graph.UserRef(u), "top", graph.RoleMember))
	}

	_, err := coord.PermissionClosure(ctx, "top")
	require.NoError(t, err)
	_, _, size := coord.Stats()
	require.Equal(t, 1, size)

	// The grant event walks top's reverse closure, breaches the
	// ceiling, and clears the cache instead of hanging.
	require.NoError(t, store.AddGrant(ctx, "top", "perm.x", "", ""))

	_, _, size = coord.Stats()
	assert.Equal(t, 0, size)
}
