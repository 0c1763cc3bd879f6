package store

import (
	"context"
	"fmt"
	"time"
)

// TableCounts holds the row count of each normalized table.
type TableCounts struct {
	Projects   int64 `json:"projects"`
	Subjects   int64 `json:"subjects"`
	Samples    int64 `json:"samples"`
	CellTypes  int64 `json:"cell_types"`
	CellCounts int64 `json:"cell_counts"`
}

// Stats counts the rows of the five entity tables.
func (s *Store) Stats(ctx context.Context) (*TableCounts, error) {
	var tc TableCounts
	targets := []*int64{&tc.Projects, &tc.Subjects, &tc.Samples, &tc.CellTypes, &tc.CellCounts}
	for i, table := range Tables {
		if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(targets[i]); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
	}
	return &tc, nil
}

// IntegrityReport counts rows whose parent row is missing.
type IntegrityReport struct {
	ForeignKeys            bool  `json:"foreign_keys_enforced"`
	OrphanSubjects         int64 `json:"orphan_subjects"`
	OrphanSamples          int64 `json:"orphan_samples"`
	OrphanCountsBySample   int64 `json:"orphan_counts_by_sample"`
	OrphanCountsByCellType int64 `json:"orphan_counts_by_cell_type"`
}

// Closed reports whether every reference resolves.
func (r *IntegrityReport) Closed() bool {
	return r.OrphanSubjects == 0 && r.OrphanSamples == 0 &&
		r.OrphanCountsBySample == 0 && r.OrphanCountsByCellType == 0
}

// CheckIntegrity verifies referential closure across the five tables.
func (s *Store) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	fk, err := s.ForeignKeysEnforced(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking foreign keys: %w", err)
	}
	r := &IntegrityReport{ForeignKeys: fk}

	checks := []struct {
		name  string
		query string
		dst   *int64
	}{
		{"subjects", `SELECT COUNT(*) FROM subjects s
			LEFT JOIN projects p ON p.project_id = s.project_id
			WHERE p.project_id IS NULL`, &r.OrphanSubjects},
		{"samples", `SELECT COUNT(*) FROM samples sa
			LEFT JOIN subjects s ON s.subject_id = sa.subject_id
			WHERE s.subject_id IS NULL`, &r.OrphanSamples},
		{"cell_counts/samples", `SELECT COUNT(*) FROM cell_counts cc
			LEFT JOIN samples sa ON sa.sample_id = cc.sample_id
			WHERE sa.sample_id IS NULL`, &r.OrphanCountsBySample},
		{"cell_counts/cell_types", `SELECT COUNT(*) FROM cell_counts cc
			LEFT JOIN cell_types ct ON ct.cell_type_id = cc.cell_type_id
			WHERE ct.cell_type_id IS NULL`, &r.OrphanCountsByCellType},
	}
	for _, c := range checks {
		if err := s.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("checking %s: %w", c.name, err)
		}
	}
	return r, nil
}

// LoadRun is one entry of the load audit trail.
type LoadRun struct {
	ID         string    `json:"run_id"`
	Source     string    `json:"source"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordLoadRun appends a load run. Called inside the load transaction so a
// failed load leaves no trace.
func (t *Tx) RecordLoadRun(ctx context.Context, run LoadRun) error {
	_, err := t.ExecContext(ctx,
		`INSERT INTO load_runs (run_id, source, row_count, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Rows, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording load run %s: %w", run.ID, err)
	}
	return nil
}

// ListLoadRuns returns the most recent load runs, newest first.
func (s *Store) ListLoadRuns(ctx context.Context, limit int) ([]LoadRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, source, row_count, started_at, finished_at
		 FROM load_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing load runs: %w", err)
	}
	defer rows.Close()

	var runs []LoadRun
	for rows.Next() {
		var r LoadRun
		if err := rows.Scan(&r.ID, &r.Source, &r.Rows, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning load run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
