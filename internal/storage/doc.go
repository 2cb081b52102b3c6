// Package storage keeps the dispatch journal: an append-only record of every
// job the engine ran or dropped. Schedule state itself is never persisted.
//
// Drivers:
//   - "file": JSON Lines, compacted to the most recent records
//   - "sqlite": SQLite database file (build tag "sqlite")
package storage
