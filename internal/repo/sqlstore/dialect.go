package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/database"
)

// Dialect selects placeholder syntax, row locking and time encoding. Queries
// are written once with Postgres $N placeholders.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func DialectFor(driver database.Driver) (Dialect, error) {
	switch driver {
	case database.DriverPostgres:
		return Postgres, nil
	case database.DriverSQLite:
		return SQLite, nil
	default:
		return 0, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

var dollarParam = regexp.MustCompile(`\$(\d+)`)

func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return dollarParam.ReplaceAllString(query, "?$1")
}

// forUpdate is appended to row reads inside a transaction. SQLite needs none:
// transactions are BEGIN IMMEDIATE on a single connection.
func (d Dialect) forUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

func (d Dialect) skipLocked() string {
	if d == SQLite {
		return ""
	}
	return "\n\t\tFOR UPDATE SKIP LOCKED"
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (d Dialect) args(args []any) []any {
	if d != SQLite {
		return args
	}
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case time.Time:
			out[i] = v.UTC().Format(sqliteTimeLayout)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = v.UTC().Format(sqliteTimeLayout)
			}
		case sql.NullTime:
			if v.Valid {
				out[i] = v.Time.UTC().Format(sqliteTimeLayout)
			} else {
				out[i] = nil
			}
		default:
			out[i] = arg
		}
	}
	return out
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rewrites queries and arguments for the dialect before delegating.
type conn struct {
	q       queryer
	dialect Dialect
}

func (c conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.rebind(query), c.dialect.args(args)...)
}

func (c conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.rebind(query), c.dialect.args(args)...)
}

func (c conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.rebind(query), c.dialect.args(args)...)
}
