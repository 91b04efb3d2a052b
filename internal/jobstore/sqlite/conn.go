// Package sqlite implements the Job Store, Download Store, and Model
// mirror (§4.3, §4.5, §6) on an embedded modernc.org/sqlite database
// accessed through database/sql, in place of the teacher's pgx pool.
// A single-writer embedded store fits a local control plane: no
// external database process to run alongside the engines it manages.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// Open opens (and creates, if absent) the sqlite database at dsn and
// applies the pragmas this store relies on: WAL journaling so readers
// never block the writer, and foreign key enforcement.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	// A single physical connection keeps WAL semantics simple: the
	// store has exactly one writer (the job processor / download
	// engine) regardless of how many readers the HTTP layer spins up.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("op=sqlite.Open: apply %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func mapNoRows(op string, err error) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
