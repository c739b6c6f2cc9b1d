package resolve

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/naming"
	"github.com/avauthz/groupd/internal/observability"
)

// resolveTracer is the OTEL tracer used for resolution operations.
var resolveTracer = otel.Tracer("groupd/resolve")

// maxSnapshotRetries bounds how often a query re-fetches the closure
// because the store moved between the closure read and the grant scan.
const maxSnapshotRetries = 3

// Decision is the outcome of a permission check.
type Decision struct {
	// Granted reports whether a matching grant was found.
	Granted bool `json:"granted"`

	// Grant is the matching grant when Granted is true.
	Grant *graph.Grant `json:"grant,omitempty"`

	// Provenance is the membership path from the user to the granting
	// group, shortest path first for determinism.
	Provenance []string `json:"provenance,omitempty"`
}

// GrantedPermission is one effective permission of a user.
type GrantedPermission struct {
	Permission string   `json:"permission"`
	ArgPattern string   `json:"argPattern"`
	Group      string   `json:"group"`
	Provenance []string `json:"provenance,omitempty"`
}

// Resolver answers permission queries from cached closures, applying
// wildcard argument matching and optional grant conditions, and
// reporting grant provenance.
type Resolver struct {
	store      *graph.Store
	closures   *closure.Coordinator
	matcher    *Matcher
	conditions *ConditionEvaluator
	logger     observability.Logger
	metrics    *Metrics
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverMetrics sets the metrics.
func WithResolverMetrics(metrics *Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithResolverMatcher sets a pre-built matcher, typically shared with
// the store's grant validator.
func WithResolverMatcher(m *Matcher) ResolverOption {
	return func(r *Resolver) {
		r.matcher = m
	}
}

// WithResolverConditions sets a pre-built condition evaluator,
// typically shared with the store's grant validator.
func WithResolverConditions(e *ConditionEvaluator) ResolverOption {
	return func(r *Resolver) {
		r.conditions = e
	}
}

// NewResolver creates a resolver over the store and closure cache.
func NewResolver(store *graph.Store, closures *closure.Coordinator, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		store:    store,
		closures: closures,
		matcher:  NewMatcher(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.conditions == nil {
		conditions, err := NewConditionEvaluator()
		if err != nil {
			return nil, err
		}
		r.conditions = conditions
	}
	if r.metrics == nil {
		r.metrics = NewMetrics("groupd")
	}
	return r, nil
}

// GrantValidator builds the validator the store runs before committing
// a grant: malformed argument patterns and uncompilable conditions are
// rejected at grant time, never at query time. The matcher and
// evaluator are shared with the resolver so compiled artifacts are
// reused at query time.
func GrantValidator(m *Matcher, e *ConditionEvaluator) graph.GrantValidator {
	return func(argPattern, condition string) error {
		if err := m.Validate(argPattern); err != nil {
			return err
		}
		return e.Validate(condition)
	}
}

// GrantValidator returns the resolver's grant-time validator.
func (r *Resolver) GrantValidator() graph.GrantValidator {
	return GrantValidator(r.matcher, r.conditions)
}

// HasPermission reports whether a user effectively holds a permission
// for a concrete argument. The decision carries the matching grant and
// the shortest membership path to its group. An unknown or disabled
// user is simply not granted.
func (r *Resolver) HasPermission(ctx context.Context, user, permission, argument string, queryCtx map[string]interface{}) (*Decision, error) {
	ctx, span := resolveTracer.Start(ctx, "resolve.HasPermission",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("resolve.user", user),
			attribute.String("resolve.permission", permission),
			attribute.String("resolve.argument", argument),
		),
	)
	defer span.End()
	start := time.Now()

	permission, err := naming.ValidatePermissionName(permission)
	if err != nil {
		return nil, graph.NewValidationError("HasPermission", permission, err)
	}
	argument, err = naming.ValidateArgument(argument)
	if err != nil {
		return nil, graph.NewValidationError("HasPermission", argument, err)
	}

	snap, cl, err := r.consistentMembership(ctx, graph.UserRef(user))
	if err != nil {
		span.RecordError(err)
		r.metrics.RecordResolution("has_permission", "error", time.Since(start))
		return nil, err
	}

	for _, group := range groupsByPathLength(cl) {
		for _, grant := range snap.GrantsOf(group) {
			if grant.Permission != permission {
				continue
			}
			if !r.matcher.Matches(grant.ArgPattern, argument) {
				continue
			}
			if !r.conditions.Evaluate(grant.Condition, user, permission, argument, queryCtx) {
				continue
			}

			g := grant
			decision := &Decision{
				Granted:    true,
				Grant:      &g,
				Provenance: cl.Paths[group],
			}
			span.SetAttributes(attribute.Bool("resolve.granted", true))
			r.metrics.RecordResolution("has_permission", "granted", time.Since(start))
			r.logger.Debug("permission granted",
				observability.String("user", user),
				observability.String("permission", permission),
				observability.String("argument", argument),
				observability.String("group", group),
			)
			return decision, nil
		}
	}

	span.SetAttributes(attribute.Bool("resolve.granted", false))
	r.metrics.RecordResolution("has_permission", "denied", time.Since(start))
	return &Decision{Granted: false}, nil
}

// ListPermissions returns every permission a user effectively holds,
// deduplicated by (permission, argument pattern) and sorted by
// permission name then pattern. The surviving entry for each pair
// carries the shortest membership provenance.
func (r *Resolver) ListPermissions(ctx context.Context, user string) ([]GrantedPermission, error) {
	ctx, span := resolveTracer.Start(ctx, "resolve.ListPermissions",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("resolve.user", user)),
	)
	defer span.End()
	start := time.Now()

	snap, cl, err := r.consistentMembership(ctx, graph.UserRef(user))
	if err != nil {
		span.RecordError(err)
		r.metrics.RecordResolution("list_permissions", "error", time.Since(start))
		return nil, err
	}

	type pair struct{ permission, pattern string }
	seen := make(map[pair]struct{})
	var out []GrantedPermission

	// Shortest paths first, so the first occurrence of each pair wins
	// the provenance.
	for _, group := range groupsByPathLength(cl) {
		for _, grant := range snap.GrantsOf(group) {
			p := pair{grant.Permission, grant.ArgPattern}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, GrantedPermission{
				Permission: grant.Permission,
				ArgPattern: grant.ArgPattern,
				Group:      group,
				Provenance: cl.Paths[group],
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission != out[j].Permission {
			return out[i].Permission < out[j].Permission
		}
		return out[i].ArgPattern < out[j].ArgPattern
	})

	span.SetAttributes(attribute.Int("resolve.permission_count", len(out)))
	r.metrics.RecordResolution("list_permissions", "ok", time.Since(start))
	return out, nil
}

// ListEffectiveMembers returns the users transitively contained in a
// group, excluding disabled users.
func (r *Resolver) ListEffectiveMembers(ctx context.Context, group string) ([]graph.User, error) {
	ctx, span := resolveTracer.Start(ctx, "resolve.ListEffectiveMembers",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("resolve.group", group)),
	)
	defer span.End()
	start := time.Now()

	users, err := r.closures.EffectiveMembers(ctx, group)
	if err != nil {
		span.RecordError(err)
		r.metrics.RecordResolution("list_effective_members", "error", time.Since(start))
		return nil, err
	}

	span.SetAttributes(attribute.Int("resolve.member_count", len(users)))
	r.metrics.RecordResolution("list_effective_members", "ok", time.Since(start))
	return users, nil
}

// consistentMembership returns a snapshot and a membership closure
// computed against that exact snapshot version, so a query never mixes
// membership edges from one version with grants from another. When the
// store keeps moving, the last attempt pins one snapshot and computes
// the closure directly against it.
func (r *Resolver) consistentMembership(ctx context.Context, entity graph.Ref) (*graph.Snapshot, *closure.MembershipClosure, error) {
	for attempt := 0; attempt < maxSnapshotRetries; attempt++ {
		snap := r.store.Snapshot()
		cl, err := r.closures.MembershipClosure(ctx, entity)
		if err != nil {
			return nil, nil, err
		}
		if cl.Version == snap.Version() {
			return snap, cl, nil
		}
	}

	snap := r.store.Snapshot()
	cl, err := r.closures.Engine().MembershipClosure(snap, entity)
	if err != nil {
		return nil, nil, err
	}
	return snap, cl, nil
}

// groupsByPathLength orders the closure's groups by membership path
// length, ties broken by name, so iteration visits the shortest
// provenance first.
func groupsByPathLength(cl *closure.MembershipClosure) []string {
	groups := cl.Groups()
	sort.SliceStable(groups, func(i, j int) bool {
		li, lj := len(cl.Paths[groups[i]]), len(cl.Paths[groups[j]])
		if li != lj {
			return li < lj
		}
		return groups[i] < groups[j]
	})
	return groups
}
