package closure

import (
	"sort"

	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

// MembershipClosure is every group an entity transitively belongs to,
// with the shortest membership path to each.
type MembershipClosure struct {
	// Entity is the closure's starting entity.
	Entity graph.Ref `json:"entity"`

	// Version is the snapshot version the closure was computed against.
	Version uint64 `json:"version"`

	// Paths maps each reachable group to the shortest membership path
	// from the entity, starting at the entity's direct group.
	Paths map[string][]string `json:"paths"`
}

// Groups returns the reachable groups sorted by name.
func (c *MembershipClosure) Groups() []string {
	out := make([]string, 0, len(c.Paths))
	for g := range c.Paths {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the closure reaches the named group.
func (c *MembershipClosure) Contains(group string) bool {
	_, ok := c.Paths[group]
	return ok
}

// PermissionClosure is every grant a group inherits: its own grants
// plus those of every group it transitively belongs to.
type PermissionClosure struct {
	// Group is the closure's starting group.
	Group string `json:"group"`

	// Version is the snapshot version the closure was computed against.
	Version uint64 `json:"version"`

	// Grants holds the inherited grants sorted by permission name then
	// argument pattern then source group. Each grant's Group field
	// names the group it is attached to.
	Grants []graph.Grant `json:"grants"`
}

// Engine computes closures by breadth-first traversal over containment
// edges. The acyclic invariant guarantees termination; the traversal
// ceiling still converts a violated invariant into an error instead of
// an unbounded walk.
type Engine struct {
	tunables *config.Tunables
	logger   observability.Logger
	metrics  *Metrics
}

// EngineOption is a functional option for the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics.
func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates a closure engine.
func NewEngine(tunables *config.Tunables, opts ...EngineOption) *Engine {
	e := &Engine{
		tunables: tunables,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics("groupd")
	}
	return e
}

// MembershipClosure computes the membership closure of an entity
// against the given snapshot. Disabled groups are not entered, so
// nothing reachable only through a disabled group appears; a disabled
// user has an empty closure.
func (e *Engine) MembershipClosure(snap *graph.Snapshot, entity graph.Ref) (*MembershipClosure, error) {
	const op = "MembershipClosure"

	closure := &MembershipClosure{
		Entity:  entity,
		Version: snap.Version(),
		Paths:   make(map[string][]string),
	}

	if entity.Kind == graph.KindUser {
		if u, ok := snap.User(entity.Name); !ok || u.Disabled {
			return closure, nil
		}
	} else if g, ok := snap.Group(entity.Name); !ok || g.Disabled {
		return closure, nil
	}

	ceiling := e.tunables.TraversalCeiling()
	queue := []graph.Ref{entity}
	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, m := range snap.ContainersOf(current) {
			if closure.Contains(m.Group) {
				continue
			}
			g, ok := snap.Group(m.Group)
			if !ok || g.Disabled {
				continue
			}

			visited++
			if visited > ceiling {
				return nil, graph.NewInternalError(op, entity.String(), graph.ErrCeilingExceeded)
			}

			var path []string
			if current == entity {
				path = []string{m.Group}
			} else {
				parent := closure.Paths[current.Name]
				path = make([]string, len(parent)+1)
				copy(path, parent)
				path[len(parent)] = m.Group
			}
			closure.Paths[m.Group] = path
			queue = append(queue, graph.GroupRef(m.Group))
		}
	}

	return closure, nil
}

// PermissionClosure computes the grants a group inherits: grants
// attached to the group itself or to any group reachable by following
// containment edges outward. Permission inheritance flows from
// container groups down to their members. A disabled group inherits
// nothing, and disabled containers contribute nothing.
func (e *Engine) PermissionClosure(snap *graph.Snapshot, group string) (*PermissionClosure, error) {
	const op = "PermissionClosure"

	closure := &PermissionClosure{Group: group, Version: snap.Version()}

	g, ok := snap.Group(group)
	if !ok {
		return nil, graph.NewNotFoundError(op, "group "+group)
	}
	if g.Disabled {
		return closure, nil
	}

	membership, err := e.MembershipClosure(snap, graph.GroupRef(group))
	if err != nil {
		return nil, err
	}

	closure.Grants = append(closure.Grants, snap.GrantsOf(group)...)
	for _, container := range membership.Groups() {
		closure.Grants = append(closure.Grants, snap.GrantsOf(container)...)
	}

	sort.Slice(closure.Grants, func(i, j int) bool {
		a, b := closure.Grants[i], closure.Grants[j]
		if a.Permission != b.Permission {
			return a.Permission < b.Permission
		}
		if a.ArgPattern != b.ArgPattern {
			return a.ArgPattern < b.ArgPattern
		}
		return a.Group < b.Group
	})

	return closure, nil
}

// EffectiveMembers computes the users transitively contained in a
// group by walking containment edges in reverse. Disabled users are
// excluded, and disabled groups are not traversed. A disabled group
// has no effective members.
func (e *Engine) EffectiveMembers(snap *graph.Snapshot, group string) ([]graph.User, error) {
	const op = "EffectiveMembers"

	g, ok := snap.Group(group)
	if !ok {
		return nil, graph.NewNotFoundError(op, "group "+group)
	}
	if g.Disabled {
		return nil, nil
	}

	ceiling := e.tunables.TraversalCeiling()
	users := make(map[string]graph.User)
	seenGroups := map[string]struct{}{group: {}}
	queue := []string{group}
	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, m := range snap.MembersOf(current) {
			visited++
			if visited > ceiling {
				return nil, graph.NewInternalError(op, "group "+group, graph.ErrCeilingExceeded)
			}

			switch m.Member.Kind {
			case graph.KindUser:
				u, ok := snap.User(m.Member.Name)
				if ok && !u.Disabled {
					users[u.Name] = u
				}
			case graph.KindGroup:
				if _, seen := seenGroups[m.Member.Name]; seen {
					continue
				}
				seenGroups[m.Member.Name] = struct{}{}
				sub, ok := snap.Group(m.Member.Name)
				if !ok || sub.Disabled {
					continue
				}
				queue = append(queue, m.Member.Name)
			}
		}
	}

	out := make([]graph.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
