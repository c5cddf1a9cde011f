// Package storage persists triggers.
//
// Every driver implements the same Store contract: conditional (versioned) updates
// that report lost races as ErrConflict, bulk updates and deletes by predicate,
// and ordered limited selects. Drivers:
//   - "memory": process-local map, for tests and single-process development
//   - "file": memory plus a JSON Lines journal compacted into a snapshot
//   - "sqlite": embedded SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared PostgreSQL database through pgxpool, for multi-process deployments
package storage
