// Package plugin delivers lifecycle hooks to registered extensions:
// UserCreated after a user is created and LogError whenever the core
// returns a categorized error.
//
// Delivery is fire-and-forget through a buffered queue drained by a
// single dispatcher goroutine. A full queue drops the event instead of
// blocking the mutation path, and a panicking plugin never affects
// other plugins or the caller.
package plugin
