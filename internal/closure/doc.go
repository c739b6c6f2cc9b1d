// Package closure computes and caches transitive closures over the
// graph: membership closures (entity to every group it transitively
// belongs to) and permission closures (group to every grant it inherits
// from its containers).
//
// Closures are derived, cacheable artifacts keyed by (entity, snapshot
// version); a cached closure is valid only for the exact version it was
// computed against. The coordinator listens for mutation events, marks
// affected entries stale, and recomputes on read, collapsing redundant
// recomputation through single-flight. An optional redis tier shares
// computed closures between instances behind a circuit breaker.
package closure
