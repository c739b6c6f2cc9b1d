package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
)

type testFixture struct {
	store    *graph.Store
	resolver *Resolver
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	tunables := config.NewTunables(config.EngineConfig{CycleCheckCeiling: 10000, TraversalCeiling: 10000})
	matcher := NewMatcher()
	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)

	store := graph.NewStore(tunables,
		graph.WithGrantValidator(GrantValidator(matcher, conditions)))
	coord := closure.NewCoordinator(store, closure.NewEngine(tunables))
	t.Cleanup(func() { _ = coord.Close() })

	resolver, err := NewResolver(store, coord,
		WithResolverMatcher(matcher),
		WithResolverConditions(conditions))
	require.NoError(t, err)

	return &testFixture{store: store, resolver: resolver}
}

// seedOrg creates alice -> eng -> all-staff with a wildcard db grant on
// eng and a plain wiki grant on all-staff.
func seedOrg(t *testing.T, f *testFixture) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.AddUser(ctx, "alice"))
	require.NoError(t, f.store.AddGroup(ctx, "eng"))
	require.NoError(t, f.store.AddGroup(ctx, "all-staff"))
	require.NoError(t, f.store.AddMembership(ctx, graph.UserRef("alice"), "eng", graph.RoleMember))
	require.NoError(t, f.store.AddMembership(ctx, graph.GroupRef("eng"), "all-staff", graph.RoleMember))
	require.NoError(t, f.store.AddGrant(ctx, "eng", "db.connect", "db-*", ""))
	require.NoError(t, f.store.AddGrant(ctx, "all-staff", "wiki.read", "", ""))
}

func TestHasPermission_GrantedViaMembership(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	d, err := f.resolver.HasPermission(ctx, "alice", "db.connect", "db-prod", nil)
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.NotNil(t, d.Grant)
	assert.Equal(t, "eng", d.Grant.Group)
	assert.Equal(t, "db-*", d.Grant.ArgPattern)
	assert.Equal(t, []string{"eng"}, d.Provenance)
}

func TestHasPermission_WildcardSemantics(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	tests := []struct {
		argument string
		granted  bool
	}{
		{"db-prod", true},
		{"db-staging", true},
		{"cache-prod", false},
	}

	for _, tt := range tests {
		d, err := f.resolver.HasPermission(ctx, "alice", "db.connect", tt.argument, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.granted, d.Granted, "argument %q", tt.argument)
	}
}

func TestHasPermission_RemovalRevokes(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	d, err := f.resolver.HasPermission(ctx, "alice", "wiki.read", "", nil)
	require.NoError(t, err)
	require.True(t, d.Granted)
	assert.Equal(t, []string{"eng", "all-staff"}, d.Provenance)

	require.NoError(t, f.store.RemoveMembership(ctx, graph.UserRef("alice"), "eng"))

	d, err = f.resolver.HasPermission(ctx, "alice", "wiki.read", "", nil)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Nil(t, d.Grant)
}

func TestHasPermission_UnknownUserNotGranted(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)

	d, err := f.resolver.HasPermission(context.Background(), "ghost", "wiki.read", "", nil)
	require.NoError(t, err)
	assert.False(t, d.Granted)
}

func TestHasPermission_ValidatesInputs(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	_, err := f.resolver.HasPermission(ctx, "alice", "Not A Permission", "", nil)
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))

	_, err = f.resolver.HasPermission(ctx, "alice", "db.connect", "has space", nil)
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))
}

func TestHasPermission_DisableRestoresOnEnable(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	before, err := f.resolver.HasPermission(ctx, "alice", "wiki.read", "", nil)
	require.NoError(t, err)
	require.True(t, before.Granted)

	require.NoError(t, f.store.SetGroupDisabled(ctx, "eng", true))
	during, err := f.resolver.HasPermission(ctx, "alice", "wiki.read", "", nil)
	require.NoError(t, err)
	assert.False(t, during.Granted)

	require.NoError(t, f.store.SetGroupDisabled(ctx, "eng", false))
	after, err := f.resolver.HasPermission(ctx, "alice", "wiki.read", "", nil)
	require.NoError(t, err)
	require.True(t, after.Granted)
	assert.Equal(t, before.Provenance, after.Provenance)
	assert.Equal(t, before.Grant.Group, after.Grant.Group)
}

func TestHasPermission_Condition(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddUser(ctx, "alice"))
	require.NoError(t, f.store.AddGroup(ctx, "ops"))
	require.NoError(t, f.store.AddMembership(ctx, graph.UserRef("alice"), "ops", graph.RoleMember))
	require.NoError(t, f.store.AddGrant(ctx, "ops", "ssh.access", "*",
		`ctx.source_ip.startsWith("10.")`))

	d, err := f.resolver.HasPermission(ctx, "alice", "ssh.access", "web1", map[string]interface{}{
		"source_ip": "10.0.0.7",
	})
	require.NoError(t, err)
	assert.True(t, d.Granted)

	d, err = f.resolver.HasPermission(ctx, "alice", "ssh.access", "web1", map[string]interface{}{
		"source_ip": "192.168.0.7",
	})
	require.NoError(t, err)
	assert.False(t, d.Granted)
}

func TestGrantValidator_RejectsAtGrantTime(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddGroup(ctx, "ops"))

	err := f.store.AddGrant(ctx, "ops", "ssh.access", "bad pattern", "")
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))

	err = f.store.AddGrant(ctx, "ops", "ssh.access", "*", "not ((valid CEL")
	require.Error(t, err)
	assert.True(t, graph.IsValidation(err))
}

func TestListPermissions_SortedAndDeduplicated(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	// Duplicate (permission, pattern) pair on a second group; only one
	// entry survives, carrying the shortest provenance.
	require.NoError(t, f.store.AddGrant(ctx, "all-staff", "db.connect", "db-*", ""))
	require.NoError(t, f.store.AddGrant(ctx, "eng", "db.connect", "db-reporting", ""))

	perms, err := f.resolver.ListPermissions(ctx, "alice")
	require.NoError(t, err)

	require.Len(t, perms, 3)
	assert.Equal(t, "db.connect", perms[0].Permission)
	assert.Equal(t, "db-*", perms[0].ArgPattern)
	assert.Equal(t, "eng", perms[0].Group)
	assert.Equal(t, []string{"eng"}, perms[0].Provenance)
	assert.Equal(t, "db.connect", perms[1].Permission)
	assert.Equal(t, "db-reporting", perms[1].ArgPattern)
	assert.Equal(t, "wiki.read", perms[2].Permission)
	assert.Equal(t, "all-staff", perms[2].Group)
}

func TestListPermissions_UnknownUserEmpty(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)

	perms, err := f.resolver.ListPermissions(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestListEffectiveMembers(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	require.NoError(t, f.store.AddUser(ctx, "bob"))
	require.NoError(t, f.store.AddMembership(ctx, graph.UserRef("bob"), "all-staff", graph.RoleMember))

	users, err := f.resolver.ListEffectiveMembers(ctx, "all-staff")
	require.NoError(t, err)

	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Name
	}
	assert.Equal(t, []string{"alice", "bob"}, names)

	_, err = f.resolver.ListEffectiveMembers(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, graph.IsNotFound(err))
}

func TestDeleteGroup_RemovesFromResolution(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t)
	seedOrg(t, f)
	ctx := context.Background()

	require.NoError(t, f.store.DeleteGroup(ctx, "eng"))

	d, err := f.resolver.HasPermission(ctx, "alice", "db.connect", "db-prod", nil)
	require.NoError(t, err)
	assert.False(t, d.Granted)

	_, err = f.resolver.ListEffectiveMembers(ctx, "eng")
	require.Error(t, err)
	assert.True(t, graph.IsNotFound(err))
}
