// Package storage persists habits, the user directory and notification
// records.
//
// Backends:
//   - "memory": process-local maps, for tests and dry runs
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through lib/pq
//
// SQL schemas are embedded and applied with goose on open. The notification
// claim is a compare-and-set on the record status, so any number of
// dispatcher workers (or processes sharing a database) can race on a slot
// and exactly one wins.
package storage
