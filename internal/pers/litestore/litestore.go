// Package litestore is the embedded SQLite storage back-end, for
// single-host deployments that want durability without a database server.
package litestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/warrengame/warren/internal/pers"
)

func init() {
	pers.RegisterDriver("sqlite", func() pers.Driver { return &Store{} })
}

// Store is the SQLite driver. Config keys: "path" (file path, or ":memory:").
type Store struct {
	db *sql.DB
}

// Init opens the database file and creates the schema.
func (s *Store) Init(config map[string]any) error {
	path, _ := config["path"].(string)
	if path == "" {
		return fmt.Errorf("litestore: missing path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			tsid       TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Read returns the record for a TSID, or (nil, nil) when absent.
func (s *Store) Read(ctx context.Context, tsid string) ([]byte, error) {
	var rec []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM objects WHERE tsid = ?`, tsid,
	).Scan(&rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tsid, err)
	}
	return rec, nil
}

// Write upserts every record in the batch inside one transaction.
func (s *Store) Write(ctx context.Context, recs []pers.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write batch: %w", err)
	}
	defer tx.Rollback()

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects (tsid, record, updated_at) VALUES (?, ?, unixepoch())
			 ON CONFLICT (tsid) DO UPDATE SET record = excluded.record, updated_at = unixepoch()`,
			r.TSID, r.Data,
		); err != nil {
			return fmt.Errorf("writing %s: %w", r.TSID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing write batch: %w", err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, tsid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE tsid = ?`, tsid); err != nil {
		return fmt.Errorf("deleting %s: %w", tsid, err)
	}
	return nil
}
