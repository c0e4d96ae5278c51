// Package database keeps a SQLite catalog of saved scans so that history,
// findings and statistics can be queried across projects.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a scan is not in the catalog.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
}

// New opens (creating if needed) the catalog at dsn and applies the schema.
func New(dsn string) (*DB, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)

	// busy_timeout lets a CLI scan and a running server share the file.
	for _, pragma := range []string{"journal_mode=WAL", "foreign_keys=ON", "busy_timeout=5000"} {
		if _, err := sqlDB.Exec("PRAGMA " + pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}

	db := &DB{sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(schema)
	return err
}
