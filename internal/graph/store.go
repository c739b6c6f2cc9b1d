package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/observability"
)

// graphTracer is the OTEL tracer used for graph store operations.
var graphTracer = otel.Tracer("groupd/graph")

// stripeCount is the number of mutation lock stripes. Mutations lock
// the stripes of the entities they touch, so mutations on disjoint
// entity clusters proceed in parallel.
const stripeCount = 64

// GrantValidator checks a grant's argument pattern and optional
// condition expression before the grant is committed. The resolver
// supplies this so malformed patterns are rejected at grant time
// instead of surfacing at query time.
type GrantValidator func(argPattern, condition string) error

// Store holds the current graph and applies atomic mutations to it.
//
// The committed state lives in an immutable Snapshot behind an atomic
// pointer. Readers call Snapshot and never block. Mutations validate
// against the loaded snapshot while holding the stripes of the entities
// they touch, then publish the successor under a short commit section;
// if another mutation committed in between, validation is repeated
// against the authoritative snapshot before publishing, so racing
// mutations can never combine into a state that violates the acyclic
// invariant.
type Store struct {
	logger        observability.Logger
	metrics       *Metrics
	tunables      *config.Tunables
	clock         func() time.Time
	validateGrant GrantValidator

	snap     atomic.Pointer[Snapshot]
	commitMu sync.Mutex
	stripes  [stripeCount]sync.Mutex

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// StoreOption is a functional option for the store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithClock sets the time source, used by tests for deterministic
// timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithGrantValidator sets the grant validator.
func WithGrantValidator(v GrantValidator) StoreOption {
	return func(s *Store) {
		s.validateGrant = v
	}
}

// NewStore creates an empty graph store.
func NewStore(tunables *config.Tunables, opts ...StoreOption) *Store {
	s := &Store{
		logger:   observability.NopLogger(),
		tunables: tunables,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("groupd")
	}
	s.snap.Store(emptySnapshot())
	return s
}

// Snapshot returns the current committed snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 {
	return s.snap.Load().Version()
}

// Subscribe registers an event handler for committed mutations.
// Handlers are invoked synchronously after each commit, in registration
// order, on the mutating goroutine.
func (s *Store) Subscribe(h EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// notify delivers events to all subscribers.
func (s *Store) notify(events []Event) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// buildFunc validates a mutation against base and returns the successor
// snapshot with its events. Returning base itself signals a no-op.
type buildFunc func(base *Snapshot) (*Snapshot, []Event, error)

// mutate runs one atomic mutation: stripe-lock the touched entities,
// validate and build against the loaded snapshot, then publish under
// the commit section, revalidating if the snapshot moved in between.
func (s *Store) mutate(ctx context.Context, op string, lockNames []string, build buildFunc) error {
	_, span := graphTracer.Start(ctx, "graph."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()

	unlock := s.lockStripes(lockNames)
	defer unlock()

	// Optimistic phase: expensive validation (existence checks, the
	// cycle guard's reachability search) runs outside the commit
	// section so disjoint mutations do not serialize on it.
	base := s.snap.Load()
	next, events, err := build(base)

	if err == nil && next != base {
		s.commitMu.Lock()
		current := s.snap.Load()
		if current != base {
			// Another mutation committed since validation. Rebuild
			// against the authoritative snapshot: this is what keeps
			// two racing membership adds from jointly forming a cycle.
			next, events, err = build(current)
		}
		if err == nil && next != current {
			s.snap.Store(next)
		}
		s.commitMu.Unlock()
	}

	status := "ok"
	if err != nil {
		status = string(CategoryOf(err))
		span.RecordError(err)
	}
	s.metrics.RecordMutation(op, status, time.Since(start))

	if err != nil {
		if IsInternal(err) {
			s.logger.Error("graph mutation failed with internal-consistency error",
				observability.String("op", op),
				observability.Error(err))
		}
		return err
	}

	if next != base {
		span.SetAttributes(attribute.Int64("graph.version", int64(next.Version())))
		s.metrics.ObserveSnapshot(next)
		s.notify(events)
	}
	return nil
}

// lockStripes locks the stripes for the given entity names in ascending
// stripe order and returns the matching unlock function.
func (s *Store) lockStripes(names []string) func() {
	seen := make(map[uint32]struct{}, len(names))
	idxs := make([]uint32, 0, len(names))
	for _, name := range names {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		idx := h.Sum32() % stripeCount
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			idxs = append(idxs, idx)
		}
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, idx := range idxs {
		s.stripes[idx].Lock()
	}
	return func() {
		for i := len(idxs) - 1; i >= 0; i-- {
			s.stripes[idxs[i]].Unlock()
		}
	}
}

// AddUser creates a new user.
func (s *Store) AddUser(ctx context.Context, name string) error {
	const op = "AddUser"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.User(name); exists {
			return nil, nil, NewValidationError(op, name, fmt.Errorf("%w: user %q", ErrDuplicate, name))
		}
		next := base.clone()
		next.setUser(User{Name: name, CreatedAt: s.clock()})
		return next, s.eventsFor(next, Event{Type: EventUserAdded, Entity: UserRef(name)}), nil
	})
}

// AddGroup creates a new group.
func (s *Store) AddGroup(ctx context.Context, name string) error {
	const op = "AddGroup"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.Group(name); exists {
			return nil, nil, NewValidationError(op, name, fmt.Errorf("%w: group %q", ErrDuplicate, name))
		}
		next := base.clone()
		next.setGroup(Group{Name: name, CreatedAt: s.clock()})
		return next, s.eventsFor(next, Event{Type: EventGroupAdded, Entity: GroupRef(name)}), nil
	})
}

// AddMembership adds a containment edge from member to group. For
// group members the cycle guard runs first; an edge that would make a
// group contain itself, directly or transitively, is rejected.
func (s *Store) AddMembership(ctx context.Context, member Ref, group string, role Role) error {
	const op = "AddMembership"
	if _, err := ParseRole(string(role)); err != nil {
		return NewValidationError(op, member.String(), err)
	}
	return s.mutate(ctx, op, []string{member.Name, group}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.Group(group); !exists {
			return nil, nil, NewNotFoundError(op, "group "+group)
		}
		if err := s.checkMemberExists(op, base, member); err != nil {
			return nil, nil, err
		}
		if base.hasMembership(member, group) {
			return nil, nil, NewValidationError(op, member.String(),
				fmt.Errorf("%w: membership %s -> %s", ErrDuplicate, member, group))
		}

		if member.Kind == KindGroup {
			cycle, err := wouldCreateCycle(base, member.Name, group, s.tunables.CycleCheckCeiling())
			if err != nil {
				s.metrics.RecordCycleCheck("ceiling_exceeded")
				return nil, nil, NewInternalError(op, group, err)
			}
			if cycle {
				s.metrics.RecordCycleCheck("cycle")
				return nil, nil, NewValidationError(op, member.String(),
					fmt.Errorf("%w: %s -> %s", ErrCycle, member.Name, group))
			}
			s.metrics.RecordCycleCheck("ok")
		}

		next := base.clone()
		next.addMembership(Membership{
			Member:    member,
			Group:     group,
			Role:      role,
			GrantedAt: s.clock(),
		})
		return next, s.eventsFor(next, Event{Type: EventMembershipAdded, Entity: member, Group: group}), nil
	})
}

// RemoveMembership removes the containment edge from member to group.
func (s *Store) RemoveMembership(ctx context.Context, member Ref, group string) error {
	const op = "RemoveMembership"
	return s.mutate(ctx, op, []string{member.Name, group}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if !base.hasMembership(member, group) {
			return nil, nil, NewNotFoundError(op, fmt.Sprintf("membership %s -> %s", member, group))
		}
		next := base.clone()
		next.removeMembership(member, group)
		return next, s.eventsFor(next, Event{Type: EventMembershipRemoved, Entity: member, Group: group}), nil
	})
}

// AddGrant attaches a permission grant to a group.
func (s *Store) AddGrant(ctx context.Context, group, permission, argPattern, condition string) error {
	const op = "AddGrant"
	if s.validateGrant != nil {
		if err := s.validateGrant(argPattern, condition); err != nil {
			return NewValidationError(op, group, err)
		}
	}
	return s.mutate(ctx, op, []string{group}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.Group(group); !exists {
			return nil, nil, NewNotFoundError(op, "group "+group)
		}
		if _, exists := base.grants[group][grantKey(permission, argPattern)]; exists {
			return nil, nil, NewValidationError(op, group,
				fmt.Errorf("%w: grant %s %q on %s", ErrDuplicate, permission, argPattern, group))
		}
		next := base.clone()
		next.addGrant(Grant{
			Group:      group,
			Permission: permission,
			ArgPattern: argPattern,
			Condition:  condition,
			GrantedAt:  s.clock(),
		})
		return next, s.eventsFor(next, Event{Type: EventGrantAdded, Entity: GroupRef(group), Group: group}), nil
	})
}

// RemoveGrant removes a permission grant from a group.
func (s *Store) RemoveGrant(ctx context.Context, group, permission, argPattern string) error {
	const op = "RemoveGrant"
	return s.mutate(ctx, op, []string{group}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.Group(group); !exists {
			return nil, nil, NewNotFoundError(op, "group "+group)
		}
		if _, exists := base.grants[group][grantKey(permission, argPattern)]; !exists {
			return nil, nil, NewNotFoundError(op,
				fmt.Sprintf("grant %s %q on %s", permission, argPattern, group))
		}
		next := base.clone()
		next.removeGrant(group, permission, argPattern)
		return next, s.eventsFor(next, Event{Type: EventGrantRemoved, Entity: GroupRef(group), Group: group}), nil
	})
}

// SetUserDisabled enables or disables a user. Disabling is distinct
// from deletion: the user and its memberships stay in the graph for
// audit but are excluded from resolution. Setting the current state
// again is a no-op and does not bump the snapshot version.
func (s *Store) SetUserDisabled(ctx context.Context, name string, disabled bool) error {
	const op = "SetUserDisabled"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		u, exists := base.User(name)
		if !exists {
			return nil, nil, NewNotFoundError(op, "user "+name)
		}
		if u.Disabled == disabled {
			return base, nil, nil
		}
		next := base.clone()
		u.Disabled = disabled
		next.setUser(u)
		return next, s.eventsFor(next, Event{Type: disableEventType(disabled), Entity: UserRef(name)}), nil
	})
}

// SetGroupDisabled enables or disables a group. Disabling removes the
// group and everything only reachable through it from resolution
// without deleting any data; re-enabling restores prior results.
func (s *Store) SetGroupDisabled(ctx context.Context, name string, disabled bool) error {
	const op = "SetGroupDisabled"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		g, exists := base.Group(name)
		if !exists {
			return nil, nil, NewNotFoundError(op, "group "+name)
		}
		if g.Disabled == disabled {
			return base, nil, nil
		}
		next := base.clone()
		g.Disabled = disabled
		next.setGroup(g)
		return next, s.eventsFor(next, Event{Type: disableEventType(disabled), Entity: GroupRef(name)}), nil
	})
}

// DeleteGroup deletes a group, all membership edges referencing it as
// container or member, and all of its grants, as one atomic mutation.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	const op = "DeleteGroup"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.Group(name); !exists {
			return nil, nil, NewNotFoundError(op, "group "+name)
		}
		next := base.clone()
		next.deleteGroup(name)
		return next, s.eventsFor(next, Event{Type: EventGroupDeleted, Entity: GroupRef(name)}), nil
	})
}

// DeleteUser deletes a user and all of its memberships atomically.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	const op = "DeleteUser"
	return s.mutate(ctx, op, []string{name}, func(base *Snapshot) (*Snapshot, []Event, error) {
		if _, exists := base.User(name); !exists {
			return nil, nil, NewNotFoundError(op, "user "+name)
		}
		next := base.clone()
		next.deleteUser(name)
		return next, s.eventsFor(next, Event{Type: EventUserDeleted, Entity: UserRef(name)}), nil
	})
}

// WouldCreateCycle reports whether adding the edge member -> target
// would create a cycle, evaluated against the current snapshot. The
// authoritative check still runs inside AddMembership; this is for
// advisory dry-run queries.
func (s *Store) WouldCreateCycle(member, target string) (bool, error) {
	cycle, err := wouldCreateCycle(s.Snapshot(), member, target, s.tunables.CycleCheckCeiling())
	if err != nil {
		return false, NewInternalError("WouldCreateCycle", target, err)
	}
	return cycle, nil
}

// checkMemberExists validates that the member side of an edge exists.
func (s *Store) checkMemberExists(op string, snap *Snapshot, member Ref) error {
	switch member.Kind {
	case KindUser:
		if _, exists := snap.User(member.Name); !exists {
			return NewNotFoundError(op, member.String())
		}
	case KindGroup:
		if _, exists := snap.Group(member.Name); !exists {
			return NewNotFoundError(op, member.String())
		}
	default:
		return NewValidationError(op, member.Name, fmt.Errorf("unknown member kind %d", member.Kind))
	}
	return nil
}

// eventsFor stamps events with the committed version and time.
func (s *Store) eventsFor(next *Snapshot, events ...Event) []Event {
	now := s.clock()
	for i := range events {
		events[i].Version = next.Version()
		events[i].Time = now
	}
	return events
}
