package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Project is the root grouping of subjects.
type Project struct {
	ID   int64
	Name string
}

// Subject is one patient. Empty strings are stored as NULL.
type Subject struct {
	ID        string
	ProjectID int64
	Condition string
	Age       *int64
	Sex       string
	Treatment string
	Response  string
}

// Sample is one biological specimen drawn from a subject.
type Sample struct {
	ID                     string
	SubjectID              string
	SampleType             string
	TimeFromTreatmentStart *float64
}

// CellType is one entry of the cell-type catalog.
type CellType struct {
	ID   int64
	Name string
}

// CellCount is one fact: the count of a cell type within a sample.
type CellCount struct {
	SampleID   string
	CellTypeID int64
	Count      int64
}

// InsertProject inserts a project by name unless it already exists.
// Reports whether a row was created.
func (t *Tx) InsertProject(ctx context.Context, name string) (bool, error) {
	res, err := t.ExecContext(ctx,
		`INSERT INTO projects (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("inserting project %q: %w", name, err)
	}
	return affected(res), nil
}

// ProjectIDs returns the name→id lookup of every stored project.
func (t *Tx) ProjectIDs(ctx context.Context) (map[string]int64, error) {
	return t.nameIDs(ctx, `SELECT name, project_id FROM projects`)
}

// InsertSubject inserts a subject unless its id already exists.
// An existing subject is never overwritten.
func (t *Tx) InsertSubject(ctx context.Context, s Subject) (bool, error) {
	res, err := t.ExecContext(ctx,
		`INSERT INTO subjects (subject_id, project_id, condition, age, sex, treatment, response)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subject_id) DO NOTHING`,
		s.ID, s.ProjectID, nullString(s.Condition), s.Age, nullString(s.Sex),
		nullString(s.Treatment), nullString(s.Response),
	)
	if err != nil {
		return false, fmt.Errorf("inserting subject %q: %w", s.ID, err)
	}
	return affected(res), nil
}

// InsertSample inserts a sample unless its id already exists.
func (t *Tx) InsertSample(ctx context.Context, s Sample) (bool, error) {
	res, err := t.ExecContext(ctx,
		`INSERT INTO samples (sample_id, subject_id, sample_type, time_from_treatment_start)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (sample_id) DO NOTHING`,
		s.ID, s.SubjectID, nullString(s.SampleType), s.TimeFromTreatmentStart,
	)
	if err != nil {
		return false, fmt.Errorf("inserting sample %q: %w", s.ID, err)
	}
	return affected(res), nil
}

// InsertCellType adds a catalog entry unless the name is already present.
func (t *Tx) InsertCellType(ctx context.Context, name string) (bool, error) {
	res, err := t.ExecContext(ctx,
		`INSERT INTO cell_types (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("inserting cell type %q: %w", name, err)
	}
	return affected(res), nil
}

// CellTypeIDs returns the name→id lookup of the cell-type catalog.
func (t *Tx) CellTypeIDs(ctx context.Context) (map[string]int64, error) {
	return t.nameIDs(ctx, `SELECT name, cell_type_id FROM cell_types`)
}

// UpsertCellCount writes a fact, replacing the count of an existing
// (sample, cell type) pair so that re-loads never accumulate.
func (t *Tx) UpsertCellCount(ctx context.Context, c CellCount) error {
	_, err := t.ExecContext(ctx,
		`INSERT INTO cell_counts (sample_id, cell_type_id, cell_count)
		 VALUES (?, ?, ?)
		 ON CONFLICT (sample_id, cell_type_id) DO UPDATE SET cell_count = excluded.cell_count`,
		c.SampleID, c.CellTypeID, c.Count,
	)
	if err != nil {
		return fmt.Errorf("writing cell count (%s, %d): %w", c.SampleID, c.CellTypeID, err)
	}
	return nil
}

func (t *Tx) nameIDs(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := t.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("building lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scanning lookup row: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// IsForeignKeyViolation reports whether err was raised by a dangling reference.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23503" {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func affected(res interface{ RowsAffected() (int64, error) }) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
