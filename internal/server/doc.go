// Package server exposes the HTTP admin and query surface over the
// authorization core: entity and edge CRUD, permission checks, and a
// websocket stream of committed graph events.
package server
