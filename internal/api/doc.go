// Package api implements the read-only observability HTTP API of the runtime.
//
// This package provides:
//   - Snapshot endpoints for subscriptions, jobs, executions and services
//   - A state view over the cache, optionally filtered by domain
//   - Prometheus exposition at /metrics
//   - A WebSocket feed that streams hub envelopes, filtered by topic glob
//
// # Architecture
//
// The server is a managed service. Run binds the listener and reports ready
// once it accepts connections; a bind failure is returned as a crash so the
// watcher can retry it. The WebSocket feed holds one infrastructure-priority
// bus subscription for the lifetime of the server and fans envelopes out to
// connected clients without blocking dispatch.
//
// Nothing in this package mutates runtime state. It is meant to be bound to
// a local interface and consumed by dashboards and reporting tools.
package api
