// Package storage implements the durable state every ASAP agent needs
// beyond in-process memory: versioned task snapshots, usage metering
// events, and task/message/artifact lifecycle records. Every store comes
// in two flavors — an in-memory implementation for tests and
// single-process deployments, and a durable one backed by a single,
// CGO-free SQLite file with one writer per process.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if absent) the single SQLite file at path and
// configures it as a one-writer-per-process durable store: a single
// connection, so every table's writes serialize through the *sql.DB
// itself rather than needing an additional mutex in each store.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	return db, nil
}
