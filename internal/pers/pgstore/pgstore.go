// Package pgstore is the PostgreSQL storage back-end: one JSONB record per
// entity, keyed by TSID, with goose-managed schema migrations.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/warrengame/warren/internal/pers"
	"github.com/warrengame/warren/internal/pers/pgstore/migrations"
)

func init() {
	pers.RegisterDriver("postgres", func() pers.Driver { return &Store{} })
}

// Store is the PostgreSQL driver. Config keys: "dsn" (required),
// "skipMigrations" (bool).
type Store struct {
	pool *pgxpool.Pool
}

// Init connects the pool and applies migrations.
func (s *Store) Init(config map[string]any) error {
	dsn, _ := config["dsn"].(string)
	if dsn == "" {
		return fmt.Errorf("pgstore: missing dsn")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	s.pool = pool

	if skip, _ := config["skipMigrations"].(bool); !skip {
		if err := runMigrations(ctx, dsn); err != nil {
			pool.Close()
			return err
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Read returns the record for a TSID, or (nil, nil) when absent.
func (s *Store) Read(ctx context.Context, tsid string) ([]byte, error) {
	var rec []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM objects WHERE tsid = $1`, tsid,
	).Scan(&rec)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tsid, err)
	}
	return rec, nil
}

// Write upserts every record in the batch inside one transaction, so a batch
// is all-or-nothing per driver call while staying atomic per record.
func (s *Store) Write(ctx context.Context, recs []pers.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(
			`INSERT INTO objects (tsid, record, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (tsid) DO UPDATE SET record = $2, updated_at = now()`,
			r.TSID, r.Data,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("writing batch of %d: %w", len(recs), err)
		}
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, tsid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE tsid = $1`, tsid); err != nil {
		return fmt.Errorf("deleting %s: %w", tsid, err)
	}
	return nil
}

// runMigrations applies the embedded goose migrations over database/sql.
func runMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
