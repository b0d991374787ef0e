// Package storage persists job run history and mirrored items.
//
// Drivers:
//   - "file": dependency-free JSON Lines files
//   - "sqlite": a SQLite database via the pure-Go modernc.org/sqlite driver
//
// Queued work is never persisted; a restart starts with empty pools.
package storage
