package graph

import "sort"

// Snapshot is one immutable, consistent state of the graph. All reads
// against a snapshot observe exactly the state committed at its
// version. Snapshots are never modified after publication; mutations
// build a successor via clone-on-write.
type Snapshot struct {
	version uint64

	users  map[string]*User
	groups map[string]*Group

	// memberOf maps a member to the groups directly containing it.
	memberOf map[Ref]map[string]Membership

	// members maps a group to its direct members. This is the exact
	// reverse of memberOf and is maintained alongside it.
	members map[string]map[Ref]Membership

	// grants maps a group to its grants, keyed by (permission, pattern).
	grants map[string]map[string]Grant
}

// emptySnapshot returns the version-zero snapshot.
func emptySnapshot() *Snapshot {
	return &Snapshot{
		users:    make(map[string]*User),
		groups:   make(map[string]*Group),
		memberOf: make(map[Ref]map[string]Membership),
		members:  make(map[string]map[Ref]Membership),
		grants:   make(map[string]map[string]Grant),
	}
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// User returns the named user.
func (s *Snapshot) User(name string) (User, bool) {
	u, ok := s.users[name]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Group returns the named group.
func (s *Snapshot) Group(name string) (Group, bool) {
	g, ok := s.groups[name]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Users returns all users sorted by name.
func (s *Snapshot) Users() []User {
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Groups returns all groups sorted by name.
func (s *Snapshot) Groups() []Group {
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ContainersOf returns the memberships linking ref to the groups that
// directly contain it, sorted by group name.
func (s *Snapshot) ContainersOf(ref Ref) []Membership {
	bucket := s.memberOf[ref]
	out := make([]Membership, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// MembersOf returns the direct members of a group, sorted by member
// kind then name.
func (s *Snapshot) MembersOf(group string) []Membership {
	bucket := s.members[group]
	out := make([]Membership, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Member.Kind != out[j].Member.Kind {
			return out[i].Member.Kind < out[j].Member.Kind
		}
		return out[i].Member.Name < out[j].Member.Name
	})
	return out
}

// GrantsOf returns the grants attached directly to a group, sorted by
// permission name then argument pattern.
func (s *Snapshot) GrantsOf(group string) []Grant {
	bucket := s.grants[group]
	out := make([]Grant, 0, len(bucket))
	for _, g := range bucket {
		out = append(out, g)
	}
	sortGrants(out)
	return out
}

// AllGrants returns every grant in the graph, sorted by permission name
// then argument pattern then group.
func (s *Snapshot) AllGrants() []Grant {
	var out []Grant
	for _, bucket := range s.grants {
		for _, g := range bucket {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission != out[j].Permission {
			return out[i].Permission < out[j].Permission
		}
		if out[i].ArgPattern != out[j].ArgPattern {
			return out[i].ArgPattern < out[j].ArgPattern
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// hasMembership reports whether the exact containment edge exists.
func (s *Snapshot) hasMembership(member Ref, group string) bool {
	_, ok := s.memberOf[member][group]
	return ok
}

// Counts returns entity and edge counts for stats reporting.
func (s *Snapshot) Counts() (users, groups, memberships, grants int) {
	users = len(s.users)
	groups = len(s.groups)
	for _, bucket := range s.memberOf {
		memberships += len(bucket)
	}
	for _, bucket := range s.grants {
		grants += len(bucket)
	}
	return users, groups, memberships, grants
}

func sortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Permission != grants[j].Permission {
			return grants[i].Permission < grants[j].Permission
		}
		return grants[i].ArgPattern < grants[j].ArgPattern
	})
}

// clone returns a mutable successor with version+1. Top-level maps are
// copied; inner buckets stay shared until a mutator replaces them.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:  s.version + 1,
		users:    make(map[string]*User, len(s.users)),
		groups:   make(map[string]*Group, len(s.groups)),
		memberOf: make(map[Ref]map[string]Membership, len(s.memberOf)),
		members:  make(map[string]map[Ref]Membership, len(s.members)),
		grants:   make(map[string]map[string]Grant, len(s.grants)),
	}
	for k, v := range s.users {
		next.users[k] = v
	}
	for k, v := range s.groups {
		next.groups[k] = v
	}
	for k, v := range s.memberOf {
		next.memberOf[k] = v
	}
	for k, v := range s.members {
		next.members[k] = v
	}
	for k, v := range s.grants {
		next.grants[k] = v
	}
	return next
}

// setUser inserts or replaces a user.
func (s *Snapshot) setUser(u User) {
	s.users[u.Name] = &u
}

// setGroup inserts or replaces a group.
func (s *Snapshot) setGroup(g Group) {
	s.groups[g.Name] = &g
}

// addMembership inserts a containment edge into both adjacency maps.
func (s *Snapshot) addMembership(m Membership) {
	forward := make(map[string]Membership, len(s.memberOf[m.Member])+1)
	for k, v := range s.memberOf[m.Member] {
		forward[k] = v
	}
	forward[m.Group] = m
	s.memberOf[m.Member] = forward

	reverse := make(map[Ref]Membership, len(s.members[m.Group])+1)
	for k, v := range s.members[m.Group] {
		reverse[k] = v
	}
	reverse[m.Member] = m
	s.members[m.Group] = reverse
}

// removeMembership removes a containment edge from both adjacency maps.
func (s *Snapshot) removeMembership(member Ref, group string) {
	forward := make(map[string]Membership, len(s.memberOf[member]))
	for k, v := range s.memberOf[member] {
		if k != group {
			forward[k] = v
		}
	}
	if len(forward) == 0 {
		delete(s.memberOf, member)
	} else {
		s.memberOf[member] = forward
	}

	reverse := make(map[Ref]Membership, len(s.members[group]))
	for k, v := range s.members[group] {
		if k != member {
			reverse[k] = v
		}
	}
	if len(reverse) == 0 {
		delete(s.members, group)
	} else {
		s.members[group] = reverse
	}
}

// addGrant inserts a grant.
func (s *Snapshot) addGrant(g Grant) {
	bucket := make(map[string]Grant, len(s.grants[g.Group])+1)
	for k, v := range s.grants[g.Group] {
		bucket[k] = v
	}
	bucket[g.key()] = g
	s.grants[g.Group] = bucket
}

// removeGrant removes a grant.
func (s *Snapshot) removeGrant(group, permission, argPattern string) {
	key := grantKey(permission, argPattern)
	bucket := make(map[string]Grant, len(s.grants[group]))
	for k, v := range s.grants[group] {
		if k != key {
			bucket[k] = v
		}
	}
	if len(bucket) == 0 {
		delete(s.grants, group)
	} else {
		s.grants[group] = bucket
	}
}

// deleteGroup removes a group together with all edges referencing it
// (as container or as member) and all of its grants.
func (s *Snapshot) deleteGroup(name string) {
	for member := range s.members[name] {
		s.removeMembership(member, name)
	}
	ref := GroupRef(name)
	for group := range s.memberOf[ref] {
		s.removeMembership(ref, group)
	}
	delete(s.grants, name)
	delete(s.groups, name)
}

// deleteUser removes a user together with all of its memberships.
func (s *Snapshot) deleteUser(name string) {
	ref := UserRef(name)
	for group := range s.memberOf[ref] {
		s.removeMembership(ref, group)
	}
	delete(s.users, name)
}
