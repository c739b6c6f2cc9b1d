// Package graph maintains the directed graph of users, groups,
// memberships, and permission grants.
//
// The graph is held as an immutable snapshot behind an atomic pointer.
// Readers load a snapshot and see exactly one committed version; they
// never block on writers. Mutations validate against the current
// snapshot under striped per-entity locks, then commit a new snapshot
// under a short commit section that revalidates if the graph moved
// underneath them. Every committed structural mutation increments the
// monotonic snapshot version and emits an event to registered
// subscribers.
//
// The group-containment subgraph is kept acyclic: every group-to-group
// membership edge passes a bounded reachability check before commit.
package graph
