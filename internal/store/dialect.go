package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Dialect captures what differs between the supported backends: the
// database/sql driver name, connection pragmas, bootstrap DDL and the
// placeholder style.
type Dialect struct {
	Name       Driver
	driverName string
	pragmas    []string
	bootstrap  []string
	numbered   bool // $1, $2 ... instead of ?
}

// ParseDriver normalizes a configured driver name.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unknown store driver %q (want sqlite or postgres)", s)
	}
}

// DialectFor returns the dialect for a driver; the zero value means sqlite.
func DialectFor(d Driver) (*Dialect, error) {
	d, err := ParseDriver(string(d))
	if err != nil {
		return nil, err
	}
	if d == DriverPostgres {
		return postgresDialect, nil
	}
	return sqliteDialect, nil
}

// Rebind rewrites '?' placeholders for dialects with numbered parameters.
// Question marks inside single-quoted literals are left alone.
func (d *Dialect) Rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var sqliteDialect = &Dialect{
	Name:       DriverSQLite,
	driverName: "sqlite",
	pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	},
	bootstrap: []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT UNIQUE NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS subjects (
			subject_id TEXT PRIMARY KEY,
			project_id INTEGER NOT NULL REFERENCES projects(project_id),
			condition  TEXT,
			age        INTEGER,
			sex        TEXT,
			treatment  TEXT,
			response   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS samples (
			sample_id                 TEXT PRIMARY KEY,
			subject_id                TEXT NOT NULL REFERENCES subjects(subject_id),
			sample_type               TEXT,
			time_from_treatment_start REAL
		)`,

		`CREATE TABLE IF NOT EXISTS cell_types (
			cell_type_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT UNIQUE NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS cell_counts (
			sample_id    TEXT NOT NULL REFERENCES samples(sample_id),
			cell_type_id INTEGER NOT NULL REFERENCES cell_types(cell_type_id),
			cell_count   INTEGER NOT NULL CHECK (cell_count >= 0),
			PRIMARY KEY (sample_id, cell_type_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_subjects_project ON subjects(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_subject ON samples(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cell_counts_type ON cell_counts(cell_type_id)`,

		// Load audit trail, outside the normalized model
		`CREATE TABLE IF NOT EXISTS load_runs (
			run_id      TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			row_count   INTEGER NOT NULL,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	},
}

var postgresDialect = &Dialect{
	Name:       DriverPostgres,
	driverName: "pgx",
	numbered:   true,
	bootstrap: []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			name       TEXT UNIQUE NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS subjects (
			subject_id TEXT PRIMARY KEY,
			project_id BIGINT NOT NULL REFERENCES projects(project_id),
			condition  TEXT,
			age        INTEGER,
			sex        TEXT,
			treatment  TEXT,
			response   TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS samples (
			sample_id                 TEXT PRIMARY KEY,
			subject_id                TEXT NOT NULL REFERENCES subjects(subject_id),
			sample_type               TEXT,
			time_from_treatment_start DOUBLE PRECISION
		)`,

		`CREATE TABLE IF NOT EXISTS cell_types (
			cell_type_id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			name         TEXT UNIQUE NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS cell_counts (
			sample_id    TEXT NOT NULL REFERENCES samples(sample_id),
			cell_type_id BIGINT NOT NULL REFERENCES cell_types(cell_type_id),
			cell_count   BIGINT NOT NULL CHECK (cell_count >= 0),
			PRIMARY KEY (sample_id, cell_type_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_subjects_project ON subjects(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_subject ON samples(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cell_counts_type ON cell_counts(cell_type_id)`,

		`CREATE TABLE IF NOT EXISTS load_runs (
			run_id      TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			row_count   INTEGER NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	},
}
