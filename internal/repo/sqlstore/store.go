// Package sqlstore implements the run store on database/sql for Postgres and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/platform/database"
	"github.com/animus-labs/runqueue/internal/repo"
)

//go:embed schema/postgres.sql schema/sqlite.sql
var schemaFS embed.FS

type DB interface {
	queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type Store struct {
	db      DB
	dialect Dialect
	conn    conn
}

var _ repo.Store = (*Store)(nil)

func New(db DB, dialect Dialect) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db, dialect: dialect, conn: conn{q: db, dialect: dialect}}
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	name := "schema/postgres.sql"
	if s.dialect == SQLite {
		name = "schema/sqlite.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in one transaction and commits only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx repo.Tx) error) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txStore{conn: conn{q: sqlTx, dialect: s.dialect}, dialect: s.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, event auditlog.Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	return auditlog.Insert(ctx, s.conn, event)
}

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	var one int
	return s.conn.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

type txStore struct {
	conn    conn
	dialect Dialect
}

var _ repo.Tx = (*txStore)(nil)

func (t *txStore) AppendAudit(ctx context.Context, event auditlog.Event) (int64, error) {
	return auditlog.Insert(ctx, t.conn, event)
}

// Open connects using cfg and returns a store for the configured driver.
func Open(ctx context.Context, cfg database.Config) (*Store, *sql.DB, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return New(db, dialect), db, nil
}
