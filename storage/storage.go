// Package storage opens the appliance's SQLite database shared by the pin
// state record and the preset catalog.
package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Migrator creates the tables a package owns. It must be idempotent.
type Migrator interface {
	Migrate(ctx context.Context, db *sql.DB) error
}

// Open opens (or creates) the database at path and runs every migrator.
func Open(ctx context.Context, path string, migrators ...Migrator) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	// one writer keeps modernc from returning SQLITE_BUSY under concurrent merges
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	for _, m := range migrators {
		if err := m.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrate database")
		}
	}

	return db, nil
}
