// Package storage keeps the history of job runs executed by the daemon.
//
// Only finished runs are recorded. Queued tasks are never persisted: a restart
// starts with empty queues.
//
// Drivers:
//   - "file": JSON Lines, one record per run
//   - "sqlite": a SQLite database (pure Go, modernc.org/sqlite)
package storage
