package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaVersion is recorded in the meta table after bootstrap.
const SchemaVersion = "1"

// Tables lists the normalized entity tables in dependency order.
var Tables = []string{"projects", "subjects", "samples", "cell_types", "cell_counts"}

// EnsureSchema creates all tables if they don't exist and seeds metadata.
// Safe to call any number of times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	bootstrapDone, err := s.isMetaFlagEnabled(ctx, "schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}
	if bootstrapDone {
		return nil
	}

	if err := s.runBootstrapDDL(ctx); err != nil {
		return err
	}
	if err := s.setMeta(ctx, "schema_version", SchemaVersion); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}
	if err := s.setMeta(ctx, "schema_bootstrap_complete", "true"); err != nil {
		return fmt.Errorf("marking bootstrap complete: %w", err)
	}
	return nil
}

func (s *Store) runBootstrapDDL(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, stmt := range s.dialect.bootstrap {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing DDL %q: %w", truncate(stmt, 60), err)
			}
		}
		return nil
	})
}

// isMetaFlagEnabled tolerates a missing meta table (fresh database).
func (s *Store) isMetaFlagEnabled(ctx context.Context, key string) (bool, error) {
	exists, err := s.tableExists(ctx, "meta")
	if err != nil || !exists {
		return false, err
	}
	value, err := s.getMetaValue(ctx, key)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (s *Store) getMetaValue(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var q string
	switch s.dialect.Name {
	case DriverPostgres:
		q = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	default:
		q = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	var n int
	if err := s.QueryRowContext(ctx, q, table).Scan(&n); err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n > 0, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
