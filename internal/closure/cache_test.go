package closure

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avauthz/groupd/internal/graph"
)

func TestEntryState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fresh", StateFresh.String())
	assert.Equal(t, "stale", StateStale.String())
	assert.Equal(t, "recomputing", StateRecomputing.String())
	assert.Equal(t, "unknown", EntryState(99).String())
}

func TestParseKey_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
	}{
		{"user membership", membershipKey(graph.UserRef("alice"))},
		{"group membership", membershipKey(graph.GroupRef("eng"))},
		{"permission", permissionKey("eng")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entity, group, isMembership, ok := parseKey(tt.key)
			require.True(t, ok)
			if isMembership {
				assert.Equal(t, tt.key, membershipKey(entity))
			} else {
				assert.Equal(t, tt.key, permissionKey(group))
			}
		})
	}
}

func TestParseKey_Malformed(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "x|foo", "m|noseparator", "m|robot|r2d2"} {
		_, _, _, ok := parseKey(key)
		assert.False(t, ok, "key %q should not parse", key)
	}
}

func TestMemoryCache_GetSet(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(10)
	key := permissionKey("eng")

	_, ok := c.get(key)
	assert.False(t, ok)

	c.set(entry{key: key, version: 3, permission: &PermissionClosure{Group: "eng", Version: 3}})

	e, ok := c.get(key)
	require.True(t, ok)
	assert.Equal(t, StateFresh, e.state)
	assert.Equal(t, uint64(3), e.version)
	assert.Equal(t, "eng", e.permission.Group)

	hits, misses, size := c.stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestMemoryCache_NeverDowngradesVersion(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(10)
	key := membershipKey(graph.UserRef("alice"))

	c.set(entry{key: key, version: 5})
	c.set(entry{key: key, version: 3})

	e, ok := c.get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.version)

	c.set(entry{key: key, version: 7})
	e, ok = c.get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(7), e.version)
}

func TestMemoryCache_EvictsLRU(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(3)
	for i := 0; i < 3; i++ {
		c.set(entry{key: permissionKey(fmt.Sprintf("g%d", i)), version: 1})
	}

	// Touch g0 so g1 becomes the eviction candidate.
	_, ok := c.get(permissionKey("g0"))
	require.True(t, ok)

	c.set(entry{key: permissionKey("g3"), version: 1})

	_, ok = c.get(permissionKey("g1"))
	assert.False(t, ok)
	_, ok = c.get(permissionKey("g0"))
	assert.True(t, ok)

	_, _, size := c.stats()
	assert.Equal(t, 3, size)
}

func TestMemoryCache_StateTransitions(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(10)
	key := permissionKey("eng")

	c.set(entry{key: key, version: 1})

	c.markStale(key)
	e, _ := c.get(key)
	assert.Equal(t, StateStale, e.state)
	assert.Equal(t, []string{key}, c.staleKeys())

	c.markRecomputing(key)
	e, _ = c.get(key)
	assert.Equal(t, StateRecomputing, e.state)
	assert.Empty(t, c.staleKeys())

	c.set(entry{key: key, version: 2})
	e, _ = c.get(key)
	assert.Equal(t, StateFresh, e.state)
}

func TestMemoryCache_MarkStaleMissingKey(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(10)
	c.markStale(permissionKey("ghost"))
	c.markRecomputing(permissionKey("ghost"))
	assert.Empty(t, c.staleKeys())
}

func TestMemoryCache_Clear(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(10)
	c.set(entry{key: permissionKey("a"), version: 1})
	c.set(entry{key: permissionKey("b"), version: 1})

	c.clear()

	_, _, size := c.stats()
	assert.Equal(t, 0, size)
	_, ok := c.get(permissionKey("a"))
	assert.False(t, ok)
}
