package closure

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

// closureTracer is the OTEL tracer used for closure operations.
var closureTracer = otel.Tracer("groupd/closure")

// maxRecomputeRetries bounds how often a recomputation is restarted
// because the snapshot was superseded mid-computation. Beyond this the
// most recent result is cached anyway; it is still internally
// consistent for the version it was computed against.
const maxRecomputeRetries = 3

// Coordinator serves closures from cache and keeps the cache coherent
// with the graph. Every read validates the cached entry's snapshot
// version against the store's current version; a mismatch triggers
// synchronous recomputation (recompute-on-read). Mutation events mark
// affected entries stale so the optional background refresher can
// rebuild them eagerly.
type Coordinator struct {
	store  *graph.Store
	engine *Engine
	cache  *memoryCache
	shared *SharedCache

	group   singleflight.Group
	logger  observability.Logger
	metrics *Metrics

	refreshInterval time.Duration
	stopOnce        sync.Once
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// CoordinatorOption is a functional option for the coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger observability.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorMetrics sets the metrics.
func WithCoordinatorMetrics(metrics *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithMaxEntries bounds the in-memory cache size.
func WithMaxEntries(n int) CoordinatorOption {
	return func(c *Coordinator) {
		c.cache = newMemoryCache(n)
	}
}

// WithSharedCache adds a shared redis tier.
func WithSharedCache(shared *SharedCache) CoordinatorOption {
	return func(c *Coordinator) {
		c.shared = shared
	}
}

// WithBackgroundRefresh enables eager recomputation of stale entries
// at the given interval.
func WithBackgroundRefresh(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.refreshInterval = interval
	}
}

// NewCoordinator creates a coordinator and subscribes it to the
// store's mutation events.
func NewCoordinator(store *graph.Store, engine *Engine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		engine: engine,
		cache:  newMemoryCache(0),
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics("groupd")
	}

	store.Subscribe(c.onEvent)

	if c.refreshInterval > 0 {
		go c.refreshLoop()
	} else {
		close(c.doneCh)
	}

	return c
}

// Engine returns the underlying closure engine for callers that need
// an uncached computation against a pinned snapshot.
func (c *Coordinator) Engine() *Engine {
	return c.engine
}

// Close stops the background refresher, if any.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
	return nil
}

// MembershipClosure returns the membership closure of an entity,
// consistent with a single committed snapshot.
func (c *Coordinator) MembershipClosure(ctx context.Context, entity graph.Ref) (*MembershipClosure, error) {
	ctx, span := closureTracer.Start(ctx, "closure.MembershipClosure",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("closure.entity", entity.String())),
	)
	defer span.End()

	key := membershipKey(entity)
	version := c.store.Version()

	if e, ok := c.cache.get(key); ok && e.state == StateFresh && e.version == version {
		c.metrics.RecordHit("membership")
		span.SetAttributes(attribute.Bool("closure.cache_hit", true))
		return e.membership, nil
	}
	c.metrics.RecordMiss("membership")

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.recomputeMembership(ctx, key, entity, "read")
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.(*MembershipClosure), nil
}

// PermissionClosure returns the permission closure of a group,
// consistent with a single committed snapshot.
func (c *Coordinator) PermissionClosure(ctx context.Context, group string) (*PermissionClosure, error) {
	ctx, span := closureTracer.Start(ctx, "closure.PermissionClosure",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("closure.group", group)),
	)
	defer span.End()

	key := permissionKey(group)
	version := c.store.Version()

	if e, ok := c.cache.get(key); ok && e.state == StateFresh && e.version == version {
		c.metrics.RecordHit("permission")
		span.SetAttributes(attribute.Bool("closure.cache_hit", true))
		return e.permission, nil
	}
	c.metrics.RecordMiss("permission")

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.recomputePermission(ctx, key, group, "read")
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.(*PermissionClosure), nil
}

// EffectiveMembers returns the users transitively contained in a
// group. Member listings are not cached: they are reverse closures,
// cheap relative to their invalidation surface.
func (c *Coordinator) EffectiveMembers(ctx context.Context, group string) ([]graph.User, error) {
	_, span := closureTracer.Start(ctx, "closure.EffectiveMembers",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("closure.group", group)),
	)
	defer span.End()

	users, err := c.engine.EffectiveMembers(c.store.Snapshot(), group)
	if err != nil {
		span.RecordError(err)
	}
	return users, err
}

// Stats returns cache statistics for the debug endpoint.
func (c *Coordinator) Stats() (hits, misses int64, size int) {
	return c.cache.stats()
}

// recomputeMembership rebuilds a membership closure. If the snapshot
// is superseded mid-computation the computation restarts against the
// newer version, bounded by maxRecomputeRetries; the final result is
// always internally consistent with exactly one snapshot.
func (c *Coordinator) recomputeMembership(ctx context.Context, key string, entity graph.Ref, trigger string) (*MembershipClosure, error) {
	start := time.Now()
	c.cache.markRecomputing(key)

	for attempt := 0; ; attempt++ {
		snap := c.store.Snapshot()

		if cl, ok := c.sharedGetMembership(ctx, entity, snap.Version()); ok {
			c.cache.set(entry{key: key, version: snap.Version(), membership: cl})
			c.observeCacheSize()
			return cl, nil
		}

		cl, err := c.engine.MembershipClosure(snap, entity)
		if err != nil {
			return nil, err
		}
		if c.store.Version() == snap.Version() || attempt >= maxRecomputeRetries {
			c.cache.set(entry{key: key, version: snap.Version(), membership: cl})
			c.observeCacheSize()
			c.sharedSetMembership(ctx, cl)
			c.metrics.RecordRecompute("membership", trigger, time.Since(start))
			return cl, nil
		}
		// Superseded mid-computation; restart against the newer
		// snapshot rather than serving an already-stale result.
	}
}

// recomputePermission rebuilds a permission closure with the same
// supersede-and-restart discipline as recomputeMembership.
func (c *Coordinator) recomputePermission(ctx context.Context, key, group, trigger string) (*PermissionClosure, error) {
	start := time.Now()
	c.cache.markRecomputing(key)

	for attempt := 0; ; attempt++ {
		snap := c.store.Snapshot()

		if cl, ok := c.sharedGetPermission(ctx, group, snap.Version()); ok {
			c.cache.set(entry{key: key, version: snap.Version(), permission: cl})
			c.observeCacheSize()
			return cl, nil
		}

		cl, err := c.engine.PermissionClosure(snap, group)
		if err != nil {
			return nil, err
		}
		if c.store.Version() == snap.Version() || attempt >= maxRecomputeRetries {
			c.cache.set(entry{key: key, version: snap.Version(), permission: cl})
			c.observeCacheSize()
			c.sharedSetPermission(ctx, cl)
			c.metrics.RecordRecompute("permission", trigger, time.Since(start))
			return cl, nil
		}
	}
}

// onEvent marks affected cache entries stale after a committed
// mutation. Staleness marking over-approximates; correctness comes
// from version checking on every read, so marking too much costs only
// recomputation.
func (c *Coordinator) onEvent(ev graph.Event) {
	switch ev.Type {
	case graph.EventMembershipAdded, graph.EventMembershipRemoved:
		c.invalidateMembershipChange(ev.Entity)
	case graph.EventGrantAdded, graph.EventGrantRemoved:
		c.invalidateGrantChange(ev.Group)
	case graph.EventEntityDisabled, graph.EventEntityEnabled,
		graph.EventGroupDeleted, graph.EventUserDeleted:
		// Enable/disable and deletion can reshape arbitrary portions of
		// the reachable graph; drop everything.
		c.cache.clear()
		c.observeCacheSize()
	}
}

// invalidateMembershipChange marks stale the membership closures of
// the member and of everything transitively contained in it, plus the
// permission closures of the member's group subtree: all of those flow
// through the changed edge.
func (c *Coordinator) invalidateMembershipChange(member graph.Ref) {
	stale := []string{membershipKey(member)}
	if member.Kind == graph.KindGroup {
		stale = append(stale, permissionKey(member.Name))
		for _, ref := range c.reverseClosure(member.Name) {
			stale = append(stale, membershipKey(ref))
			if ref.Kind == graph.KindGroup {
				stale = append(stale, permissionKey(ref.Name))
			}
		}
	}

	for _, key := range stale {
		c.cache.markStale(key)
	}
	c.metrics.RecordStaleMarked(len(stale))
}

// invalidateGrantChange marks stale the permission closure of the
// group and of every group transitively contained in it.
func (c *Coordinator) invalidateGrantChange(group string) {
	stale := []string{permissionKey(group)}
	for _, ref := range c.reverseClosure(group) {
		if ref.Kind == graph.KindGroup {
			stale = append(stale, permissionKey(ref.Name))
		}
		stale = append(stale, membershipKey(ref))
	}

	for _, key := range stale {
		c.cache.markStale(key)
	}
	c.metrics.RecordStaleMarked(len(stale))
}

// reverseClosure walks containment edges backward from a group and
// returns every entity transitively contained in it. Disabled entities
// are included: invalidation must over-approximate. On a ceiling
// breach the whole cache is dropped instead.
func (c *Coordinator) reverseClosure(group string) []graph.Ref {
	snap := c.store.Snapshot()
	ceiling := c.engine.tunables.TraversalCeiling()

	var out []graph.Ref
	seen := map[graph.Ref]struct{}{}
	queue := []string{group}
	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, m := range snap.MembersOf(current) {
			if _, ok := seen[m.Member]; ok {
				continue
			}
			seen[m.Member] = struct{}{}

			visited++
			if visited > ceiling {
				c.logger.Error("invalidation traversal exceeded ceiling, dropping closure cache",
					observability.String("group", group))
				c.cache.clear()
				c.observeCacheSize()
				return nil
			}

			out = append(out, m.Member)
			if m.Member.Kind == graph.KindGroup {
				queue = append(queue, m.Member.Name)
			}
		}
	}
	return out
}

// refreshLoop eagerly rebuilds stale entries in the background. Reads
// never wait for it; it only shrinks the recompute-on-read tail.
func (c *Coordinator) refreshLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshStale()
		}
	}
}

// refreshStale recomputes every stale entry once.
func (c *Coordinator) refreshStale() {
	ctx := context.Background()
	for _, key := range c.cache.staleKeys() {
		entity, group, isMembership, ok := parseKey(key)
		if !ok {
			continue
		}
		var err error
		if isMembership {
			_, err, _ = c.group.Do(key, func() (interface{}, error) {
				return c.recomputeMembership(ctx, key, entity, "refresh")
			})
		} else {
			_, err, _ = c.group.Do(key, func() (interface{}, error) {
				return c.recomputePermission(ctx, key, group, "refresh")
			})
		}
		if err != nil && !graph.IsNotFound(err) {
			c.logger.Warn("background closure refresh failed",
				observability.String("key", key),
				observability.Error(err))
		}
	}
}

// observeCacheSize updates the cache size gauge.
func (c *Coordinator) observeCacheSize() {
	_, _, size := c.cache.stats()
	c.metrics.SetCacheSize(size)
}

// sharedGetMembership reads a membership closure from the shared tier.
func (c *Coordinator) sharedGetMembership(ctx context.Context, entity graph.Ref, version uint64) (*MembershipClosure, bool) {
	if c.shared == nil {
		return nil, false
	}
	cl, ok, err := c.shared.GetMembership(ctx, entity, version)
	if err != nil {
		c.metrics.RecordSharedTierError()
		return nil, false
	}
	return cl, ok
}

// sharedSetMembership writes a membership closure to the shared tier.
func (c *Coordinator) sharedSetMembership(ctx context.Context, cl *MembershipClosure) {
	if c.shared == nil {
		return
	}
	if err := c.shared.SetMembership(ctx, cl); err != nil {
		c.metrics.RecordSharedTierError()
	}
}

// sharedGetPermission reads a permission closure from the shared tier.
func (c *Coordinator) sharedGetPermission(ctx context.Context, group string, version uint64) (*PermissionClosure, bool) {
	if c.shared == nil {
		return nil, false
	}
	cl, ok, err := c.shared.GetPermission(ctx, group, version)
	if err != nil {
		c.metrics.RecordSharedTierError()
		return nil, false
	}
	return cl, ok
}

// sharedSetPermission writes a permission closure to the shared tier.
func (c *Coordinator) sharedSetPermission(ctx context.Context, cl *PermissionClosure) {
	if c.shared == nil {
		return
	}
	if err := c.shared.SetPermission(ctx, cl); err != nil {
		c.metrics.RecordSharedTierError()
	}
}
