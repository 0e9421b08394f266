// Copyright 2025 Civica Ledger Contributors
//
// Package pgindex is a query-convenience PostgreSQL mirror of the ledger
// log: every appended record is also upserted into a `records` table so
// ad-hoc SQL scans by kind/time-range don't have to walk goleveldb's
// narrower index set. It is never the source of truth — a record's
// durability is defined entirely by ledgerstore's fsync'd log frame, so
// every method here is best-effort from the caller's point of view.
// Grounded on the connection-pool/migration shape of the teacher's
// pkg/database/client.go, retargeted from proof-artifact storage to
// ledger record mirroring.
package pgindex

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/civica-ledger/hal/pkg/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Mirror wraps a connection-pooled *sql.DB holding the records mirror
// table.
type Mirror struct {
	db     *sql.DB
	logger *log.Logger
}

// Config configures a Mirror's connection pool, the same fields
// pkg/config.Config carries for LEDGER_DATABASE_*.
type Config struct {
	URL      string
	MaxConns int
	MinConns int
	Logger   *log.Logger
}

// Open connects to cfg.URL, verifies it's reachable, and runs migrations.
func Open(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pgindex: database url is empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[PGIndex] ", log.LstdFlags)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgindex: open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgindex: ping database: %w", err)
	}

	m := &Mirror{db: db, logger: cfg.Logger}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgindex: migrate: %w", err)
	}
	return m, nil
}

func (m *Mirror) Close() error { return m.db.Close() }

// migrate applies every embedded .sql file in lexical order, each as one
// plain Exec outside any transaction, tracking nothing beyond CREATE IF NOT EXISTS
// idempotence — this mirror has no destructive migrations to guard.
func (m *Mirror) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := m.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		m.logger.Printf("applied migration %s", name)
	}
	return nil
}

// Index upserts rec into the mirror. Re-indexing an id already present is
// a no-op, matching the log's own append idempotence.
func (m *Mirror) Index(ctx context.Context, rec *ledger.Record) error {
	var prev []byte
	if rec.Prev != nil {
		prev = rec.Prev[:]
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO records (id, kind, author, tier, created_at, prev, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID[:], string(rec.Kind), rec.Author, int(rec.Tier), rec.CreatedAt, prev, json.RawMessage(rec.Payload))
	if err != nil {
		return fmt.Errorf("pgindex: index record %x: %w", rec.ID[:8], err)
	}
	return nil
}

// QueryByKindRange returns the ids of every record of kind with
// created_at in [since, until), for an ad-hoc SQL scan the goleveldb
// indices don't need to serve.
func (m *Mirror) QueryByKindRange(ctx context.Context, kind ledger.Kind, since, until time.Time) ([]ledger.ID, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM records
		WHERE kind = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, string(kind), since, until)
	if err != nil {
		return nil, fmt.Errorf("pgindex: query by kind range: %w", err)
	}
	defer rows.Close()

	var out []ledger.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pgindex: scan row: %w", err)
		}
		var id ledger.ID
		copy(id[:], raw)
		out = append(out, id)
	}
	return out, rows.Err()
}
