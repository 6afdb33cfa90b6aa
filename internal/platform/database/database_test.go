package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnv_PostgresDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Driver != DriverPostgres {
		t.Fatalf("Driver=%q, want pgx", cfg.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigFromEnv_SQLiteForcesSingleConnection(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "queue.db")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "8")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.MaxOpenConns != 1 || cfg.MaxIdleConns != 1 {
		t.Fatalf("pool=%d/%d, want 1/1", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
}

func TestParseDriver_Unknown(t *testing.T) {
	if _, err := ParseDriver("mysql"); err == nil {
		t.Fatalf("ParseDriver() expected error")
	}
}

func TestDataSourceName_SQLitePragmas(t *testing.T) {
	cfg := Config{Driver: DriverSQLite, URL: "queue.db", BusyTimeout: 3 * time.Second}
	dsn := cfg.DataSourceName()
	for _, want := range []string{"file:queue.db?", "busy_timeout(3000)", "journal_mode(WAL)", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn=%q missing %q", dsn, want)
		}
	}

	custom := Config{Driver: DriverSQLite, URL: "file:x.db?_pragma=busy_timeout(1)"}
	if got := custom.DataSourceName(); got != custom.URL {
		t.Fatalf("dsn=%q, want untouched %q", got, custom.URL)
	}
}

func TestOpen_SQLite(t *testing.T) {
	cfg := Config{
		Driver:       DriverSQLite,
		URL:          filepath.Join(t.TempDir(), "queue.db"),
		PingTimeout:  time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		BusyTimeout:  time.Second,
	}
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer db.Close()

	var one int
	if err := db.QueryRowContext(context.Background(), "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("select err=%v", err)
	}
	if one != 1 {
		t.Fatalf("select=%d, want 1", one)
	}
}
