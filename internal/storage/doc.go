// Package storage provides the schedule repository and activation history.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": JSON snapshot + journal, activations as JSON Lines
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": pgx connection pool
package storage
