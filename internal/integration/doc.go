// Package integration runs the grading and session flows end to end on the
// local durable backends: SQLite store, outbox, queues and timers, each
// driven by its real loop.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
