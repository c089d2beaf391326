// Package storage provides the durable key-value layer behind the dedup set,
// the optional quota state and the action audit log.
//
// Two drivers exist:
//   - "file":   journal + snapshot files, fsync'd before a write returns
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
