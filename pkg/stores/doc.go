// Package stores provides persistence layer implementations for StackPilot.
// It includes SQLite-based storage with WAL mode, connection pooling and
// CRUD operations for stacks, resources and the append-only event log, plus
// an in-memory store for tests and ephemeral runs.
package stores
