// Package store provides the relational storage layer for cellcount.
//
// The five normalized entities live in a single SQLite database file by default:
// - projects and cell_types (surrogate keys, unique names)
// - subjects and samples (natural keys)
// - cell_counts (the fact table, keyed by sample and cell type)
//
// A Postgres DSN can be configured instead. Either way foreign keys must be
// enforced; NewStore refuses to hand out a store that cannot enforce them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.cellcount/cell_counts.db"

// ErrForeignKeysDisabled is returned when the underlying database does not
// enforce foreign keys. Referential integrity would then be documentation only.
var ErrForeignKeysDisabled = errors.New("store does not enforce foreign keys")

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	Driver Driver
	DBPath string // sqlite file, ":memory:" for tests
	DSN    string // postgres connection string
}

// Querier is the read/write surface shared by Store and Tx.
// Queries are written with '?' placeholders and rebound for the active dialect.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a handle to the relational store.
type Store struct {
	db      *sql.DB
	dialect *Dialect
	dbPath  string
}

// NewStore opens the configured database, creates the schema if absent and
// verifies that foreign keys are enforced.
func NewStore(cfg StoreConfig) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name {
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		db, err = sql.Open(dialect.driverName, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	default:
		if cfg.DBPath == "" {
			cfg.DBPath = expandPath(DefaultDBPath)
		}
		// Create parent directory for non-memory databases
		if cfg.DBPath != ":memory:" {
			dir := filepath.Dir(cfg.DBPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		db, err = sql.Open(dialect.driverName, sqliteDSN(cfg.DBPath))
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		// One connection: pragmas are per connection and ":memory:" is per
		// connection too. The workload is single-threaded batch anyway.
		db.SetMaxOpenConns(1)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, p := range dialect.pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		dbPath:  cfg.DBPath,
	}

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.RequireForeignKeys(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Dialect returns the SQL dialect of the open database.
func (s *Store) Dialect() *Dialect { return s.dialect }

// Path returns the SQLite file path (empty for postgres).
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// ForeignKeysEnforced reports whether the database rejects dangling references.
func (s *Store) ForeignKeysEnforced(ctx context.Context) (bool, error) {
	if s.dialect.Name == DriverPostgres {
		return true, nil
	}
	var on int
	if err := s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on); err != nil {
		return false, err
	}
	return on == 1, nil
}

// RequireForeignKeys returns ErrForeignKeysDisabled unless the database
// currently enforces foreign keys.
func (s *Store) RequireForeignKeys(ctx context.Context) error {
	enforced, err := s.ForeignKeysEnforced(ctx)
	if err != nil {
		return fmt.Errorf("checking foreign key support: %w", err)
	}
	if !enforced {
		return ErrForeignKeysDisabled
	}
	return nil
}

// sqliteDSN appends the per-connection pragmas so that any reconnect by the
// pool keeps foreign keys on.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
