// Package observability provides logging, metrics, and tracing support
// for the group and permission service.
package observability
