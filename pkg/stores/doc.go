// Package stores provides durable checkpoint stores for the execution engine.
// It includes a SQLite store with WAL mode and embedded migrations (the
// default), a PostgreSQL store for shared deployments and an embedded
// BadgerDB store. Every backend enforces optimistic versioning on checkpoint
// writes and keeps an append-only journal of transitions and operator actions.
package stores
