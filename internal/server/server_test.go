package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/resolve"
)

type testServer struct {
	server *Server
	store  *graph.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	tunables := config.NewTunables(config.EngineConfig{
		CycleCheckCeiling: 10000,
		TraversalCeiling:  10000,
	})
	matcher := resolve.NewMatcher()
	conditions, err := resolve.NewConditionEvaluator()
	require.NoError(t, err)

	store := graph.NewStore(tunables,
		graph.WithGrantValidator(resolve.GrantValidator(matcher, conditions)))
	coord := closure.NewCoordinator(store, closure.NewEngine(tunables))
	t.Cleanup(func() { coord.Close() })

	resolver, err := resolve.NewResolver(store, coord,
		resolve.WithResolverMatcher(matcher),
		resolve.WithResolverConditions(conditions))
	require.NoError(t, err)

	srv := NewServer(config.DefaultConfig(), store, coord, resolver)
	return &testServer{server: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

// jsonBody is shorthand for request and response payloads.
type jsonBody = map[string]interface{}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seedOrg(t *testing.T, ts *testServer) {
	t.Helper()
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, ts.store.AddUser(ctx, u))
	}
	for _, g := range []string{"eng", "all-staff"} {
		require.NoError(t, ts.store.AddGroup(ctx, g))
	}
	require.NoError(t, ts.store.AddMembership(ctx, graph.UserRef("alice"), "eng", graph.RoleMember))
	require.NoError(t, ts.store.AddMembership(ctx, graph.GroupRef("eng"), "all-staff", graph.RoleMember))
	require.NoError(t, ts.store.AddGrant(ctx, "eng", "db.connect", "db-*", ""))
	require.NoError(t, ts.store.AddGrant(ctx, "all-staff", "wiki.read", "", ""))
}

func TestServer_UserLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users", jsonBody{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "alice", body["name"])

	rec = ts.do(t, http.MethodGet, "/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["users"], 1)

	rec = ts.do(t, http.MethodDelete, "/users/alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateUserValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, tc := range []struct {
		name string
		body interface{}
	}{
		{"missing name", jsonBody{}},
		{"empty name", jsonBody{"name": ""}},
		{"invalid characters", jsonBody{"name": "no spaces allowed"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/users", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "validation", body["category"])
		})
	}
}

func TestServer_DuplicateUserRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users", jsonBody{"name": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/users", jsonBody{"name": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GroupLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodGet, "/groups/eng", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["members"], 1)
	assert.Len(t, body["grants"], 1)

	rec = ts.do(t, http.MethodDelete, "/groups/eng", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/groups/eng", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MembershipEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodPost, "/groups/eng/members",
		jsonBody{"member": "user:bob", "role": "owner"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/groups/all-staff/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	members := body["members"].([]interface{})
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.(map[string]interface{})["name"].(string))
	}
	assert.Equal(t, []string{"alice", "bob"}, names)

	rec = ts.do(t, http.MethodDelete, "/groups/eng/members/user/bob", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/groups/eng/members/user/bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/groups/eng/members",
		jsonBody{"member": "not-a-ref"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MembershipCycleRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodPost, "/groups/eng/members",
		jsonBody{"member": "group:all-staff"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation", body["category"])
}

func TestServer_GrantEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodPost, "/groups/eng/grants",
		jsonBody{"permission": "deploy.prod", "argPattern": "svc-*"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/groups/eng/grants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["direct"], 2)

	rec = ts.do(t, http.MethodDelete,
		"/groups/eng/grants?permission=deploy.prod&argPattern=svc-*", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/groups/eng/grants", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GrantRejectsBadPattern(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodPost, "/groups/eng/grants",
		jsonBody{"permission": "deploy.prod", "argPattern": "bad pattern"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/groups/eng/grants",
		jsonBody{"permission": "deploy.prod", "condition": "this is not CEL ((("})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CheckPermission(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	for _, tc := range []struct {
		name    string
		body    jsonBody
		granted bool
	}{
		{
			name:    "direct group grant with wildcard",
			body:    jsonBody{"user": "alice", "permission": "db.connect", "argument": "db-prod"},
			granted: true,
		},
		{
			name:    "inherited grant",
			body:    jsonBody{"user": "alice", "permission": "wiki.read"},
			granted: true,
		},
		{
			name:    "argument outside pattern",
			body:    jsonBody{"user": "alice", "permission": "db.connect", "argument": "cache-prod"},
			granted: false,
		},
		{
			name:    "user without membership",
			body:    jsonBody{"user": "bob", "permission": "db.connect", "argument": "db-prod"},
			granted: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/permissions/check", tc.body)
			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tc.granted, body["granted"])
			if tc.granted {
				assert.NotEmpty(t, body["provenance"])
			}
		})
	}
}

func TestServer_CheckPermissionValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/permissions/check", jsonBody{"user": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/permissions/check",
		jsonBody{"user": "alice", "permission": "not a permission"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListUserPermissions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodGet, "/users/alice/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["permissions"], 2)

	rec = ts.do(t, http.MethodGet, "/users/ghost/permissions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PermissionCatalog(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodGet, "/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.ElementsMatch(t, []interface{}{"db.connect", "wiki.read"}, body["permissions"])

	rec = ts.do(t, http.MethodGet, "/permissions/db.connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Len(t, body["grants"], 1)

	rec = ts.do(t, http.MethodGet, "/permissions/no.such.permission", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DisableEnableUser(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodPost, "/users/alice/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/permissions/check",
		jsonBody{"user": "alice", "permission": "wiki.read"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["granted"])

	rec = ts.do(t, http.MethodPost, "/users/alice/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/permissions/check",
		jsonBody{"user": "alice", "permission": "wiki.read"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["granted"])
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedOrg(t, ts)

	rec := ts.do(t, http.MethodGet, "/debug/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["users"])
	assert.Equal(t, float64(2), body["groups"])
	assert.Equal(t, float64(2), body["memberships"])
	assert.Equal(t, float64(2), body["grants"])
	assert.Contains(t, body, "closureCache")
}

func TestServer_NoRoute(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestServer_RateLimitMutations(t *testing.T) {
	t.Parallel()

	tunables := config.NewTunables(config.EngineConfig{
		CycleCheckCeiling: 10000,
		TraversalCeiling:  10000,
	})
	store := graph.NewStore(tunables)
	coord := closure.NewCoordinator(store, closure.NewEngine(tunables))
	t.Cleanup(func() { coord.Close() })
	resolver, err := resolve.NewResolver(store, coord)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1}
	srv := NewServer(cfg, store, coord, resolver)
	ts := &testServer{server: srv, store: store}

	limited := false
	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/users", jsonBody{"name": fmt.Sprintf("user%d", i)})
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)

	// Reads are never throttled.
	rec := ts.do(t, http.MethodGet, "/users", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
