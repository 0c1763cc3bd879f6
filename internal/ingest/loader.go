// Package ingest is the Loader: it normalizes a validated source dataset
// into the five relational entities.
//
// A load runs five phases inside one transaction:
//  1. projects, inserted by name, then resolved to a name→id lookup
//  2. subjects, first occurrence wins, project resolved through the lookup
//  3. samples, first occurrence wins
//  4. catalog cell types, inserted by name, then resolved to a lookup
//  5. one cell count per (sample, cell type), replaced on conflict
//
// Every write is idempotent by key, so loading the same source again leaves
// the store unchanged. Any failure rolls the whole load back.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/logging"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/store"
)

// LoaderConfig holds optional collaborators. Nil values disable them.
type LoaderConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Loader writes datasets into a store.
type Loader struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLoader creates a Loader for s.
func NewLoader(s *store.Store, cfg LoaderConfig) *Loader {
	return &Loader{
		store:   s,
		logger:  logging.OrDiscard(cfg.Logger).With("component", "ingest"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// LoadResult summarizes one committed load. The *New counts are rows that did
// not exist before; CellCounts counts every upserted fact.
type LoadResult struct {
	RunID        string        `json:"run_id"`
	Source       string        `json:"source"`
	Rows         int           `json:"rows"`
	Duplicates   int           `json:"duplicate_rows"`
	ProjectsNew  int           `json:"projects_new"`
	SubjectsNew  int           `json:"subjects_new"`
	SamplesNew   int           `json:"samples_new"`
	CellTypesNew int           `json:"cell_types_new"`
	CellCounts   int           `json:"cell_counts_written"`
	Ignored      []string      `json:"ignored_columns,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// loadContext threads the lookups of one load between phases.
type loadContext struct {
	tx        *store.Tx
	ds        *dataset.Dataset
	projects  map[string]int64
	cellTypes map[string]int64
	result    *LoadResult
}

// LoadSource opens, validates and loads the dataset at location.
func (l *Loader) LoadSource(ctx context.Context, location string, opts dataset.Options) (*LoadResult, error) {
	ds, err := dataset.Open(ctx, location, opts)
	if err != nil {
		l.metrics.LoadFailed(failureKind(err))
		l.logger.ErrorContext(ctx, "load rejected", "source", location, "error", err)
		return nil, err
	}
	return l.Load(ctx, ds)
}

// Load writes ds in a single transaction.
func (l *Loader) Load(ctx context.Context, ds *dataset.Dataset) (*LoadResult, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	started := l.now()

	result := &LoadResult{
		RunID:      runID,
		Source:     ds.Source,
		Rows:       len(ds.Rows),
		Duplicates: ds.Duplicates,
		Ignored:    ds.IgnoredColumns,
	}
	if len(ds.IgnoredColumns) > 0 {
		l.logger.WarnContext(ctx, "columns outside the cell-type catalog ignored",
			"source", ds.Source, "columns", ds.IgnoredColumns)
	}

	if err := l.store.RequireForeignKeys(ctx); err != nil {
		l.metrics.LoadFailed(failureKind(err))
		l.logger.ErrorContext(ctx, "load refused", "source", ds.Source, "error", err)
		return nil, err
	}

	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		lc := &loadContext{tx: tx, ds: ds, result: result}

		phases := []struct {
			name string
			run  func(context.Context, *loadContext) (int, error)
		}{
			{"projects", loadProjects},
			{"subjects", loadSubjects},
			{"samples", loadSamples},
			{"cell_types", loadCellTypes},
			{"cell_counts", loadCellCounts},
		}
		for _, p := range phases {
			n, err := p.run(ctx, lc)
			if err != nil {
				return err
			}
			l.logger.DebugContext(ctx, "phase complete", "phase", p.name, "written", n)
		}

		return tx.RecordLoadRun(ctx, store.LoadRun{
			ID:         runID,
			Source:     ds.Source,
			Rows:       len(ds.Rows),
			StartedAt:  started,
			FinishedAt: l.now(),
		})
	})
	if err != nil {
		l.metrics.LoadFailed(failureKind(err))
		l.logger.ErrorContext(ctx, "load aborted", "source", ds.Source, "error", err)
		return nil, err
	}

	result.Duration = l.now().Sub(started)
	l.metrics.LoadSucceeded(result.Rows, result.Duration)
	l.logger.InfoContext(ctx, "load committed",
		"source", ds.Source,
		"rows", result.Rows,
		"subjects_new", result.SubjectsNew,
		"samples_new", result.SamplesNew,
		"cell_counts", result.CellCounts,
		"duration", result.Duration,
	)
	return result, nil
}

func loadProjects(ctx context.Context, lc *loadContext) (int, error) {
	for _, name := range lc.ds.Projects() {
		created, err := lc.tx.InsertProject(ctx, name)
		if err != nil {
			return 0, err
		}
		if created {
			lc.result.ProjectsNew++
		}
	}
	ids, err := lc.tx.ProjectIDs(ctx)
	if err != nil {
		return 0, err
	}
	lc.projects = ids
	return lc.result.ProjectsNew, nil
}

func loadSubjects(ctx context.Context, lc *loadContext) (int, error) {
	seen := make(map[string]bool)
	for _, r := range lc.ds.Rows {
		if seen[r.Subject] {
			continue
		}
		seen[r.Subject] = true

		projectID, ok := lc.projects[r.Project]
		if !ok {
			return 0, &IntegrityError{Entity: "subject", Key: r.Subject, Ref: "project", RefKey: r.Project}
		}
		created, err := lc.tx.InsertSubject(ctx, store.Subject{
			ID:        r.Subject,
			ProjectID: projectID,
			Condition: r.Condition,
			Age:       r.Age,
			Sex:       r.Sex,
			Treatment: r.Treatment,
			Response:  r.Response,
		})
		if err != nil {
			return 0, wrapFK(err, "subject", r.Subject, "project", r.Project)
		}
		if created {
			lc.result.SubjectsNew++
		}
	}
	return lc.result.SubjectsNew, nil
}

func loadSamples(ctx context.Context, lc *loadContext) (int, error) {
	seen := make(map[string]bool)
	for _, r := range lc.ds.Rows {
		if seen[r.Sample] {
			continue
		}
		seen[r.Sample] = true

		created, err := lc.tx.InsertSample(ctx, store.Sample{
			ID:                     r.Sample,
			SubjectID:              r.Subject,
			SampleType:             r.SampleType,
			TimeFromTreatmentStart: r.TimeFromTreatmentStart,
		})
		if err != nil {
			return 0, wrapFK(err, "sample", r.Sample, "subject", r.Subject)
		}
		if created {
			lc.result.SamplesNew++
		}
	}
	return lc.result.SamplesNew, nil
}

func loadCellTypes(ctx context.Context, lc *loadContext) (int, error) {
	for _, name := range lc.ds.CellTypes {
		created, err := lc.tx.InsertCellType(ctx, name)
		if err != nil {
			return 0, err
		}
		if created {
			lc.result.CellTypesNew++
		}
	}
	ids, err := lc.tx.CellTypeIDs(ctx)
	if err != nil {
		return 0, err
	}
	lc.cellTypes = ids
	return lc.result.CellTypesNew, nil
}

func loadCellCounts(ctx context.Context, lc *loadContext) (int, error) {
	for _, r := range lc.ds.Rows {
		if len(r.Counts) != len(lc.ds.CellTypes) {
			return 0, &dataset.ValidationError{Line: r.Line, Column: "counts",
				Reason: fmt.Sprintf("has %d counts for %d cell types", len(r.Counts), len(lc.ds.CellTypes))}
		}
		for k, name := range lc.ds.CellTypes {
			n := r.Counts[k]
			if n < 0 {
				return 0, &dataset.ValidationError{Line: r.Line, Column: name,
					Value: strconv.FormatInt(n, 10), Reason: "must not be negative"}
			}
			cellTypeID, ok := lc.cellTypes[name]
			if !ok {
				return 0, &IntegrityError{Entity: "cell_count", Key: r.Sample + "/" + name, Ref: "cell_type", RefKey: name}
			}
			err := lc.tx.UpsertCellCount(ctx, store.CellCount{SampleID: r.Sample, CellTypeID: cellTypeID, Count: n})
			if err != nil {
				return 0, wrapFK(err, "cell_count", r.Sample+"/"+name, "sample", r.Sample)
			}
			lc.result.CellCounts++
		}
	}
	return lc.result.CellCounts, nil
}

// failureKind labels an aborted load for metrics.
func failureKind(err error) string {
	var verr *dataset.ValidationError
	var ierr *IntegrityError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &ierr):
		return "integrity"
	case errors.Is(err, store.ErrForeignKeysDisabled):
		return "schema"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "store"
	}
}
