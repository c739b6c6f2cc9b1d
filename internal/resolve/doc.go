// Package resolve answers permission queries over the graph: whether a
// user holds a permission for an argument, every permission a user
// holds, and the effective members of a group.
//
// Queries read cached closures and scan grants from a snapshot of the
// same version, so results never mix graph state from two commits.
// Grant argument patterns support `*` wildcards scoped to one `/`
// segment, and grants may carry CEL conditions over query-time
// context. Both are validated when the grant is written.
package resolve
