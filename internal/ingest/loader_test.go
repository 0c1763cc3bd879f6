package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/logging"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/store"
)

const header = "project,subject,condition,age,sex,treatment,response,sample,sample_type,time_from_treatment_start,b_cell,cd8_t_cell,cd4_t_cell,nk_cell,monocyte"

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { s.Close() })
	return s
}

// tenRows builds a source with 10 samples over 4 subjects in 2 projects.
func tenRows() string {
	var b strings.Builder
	b.WriteString(header + "\n")
	for i := 0; i < 10; i++ {
		subject := i / 3
		response := "yes"
		if subject%2 == 1 {
			response = "no"
		}
		fmt.Fprintf(&b, "prj%d,sbj%d,melanoma,%d,F,miraclib,%s,s%02d,PBMC,%d,%d,%d,%d,%d,%d\n",
			subject%2+1, subject, 40+subject, response, i, (i%3)*7,
			1000+i, 2000+i, 3000+i, 400+i, 50+i)
	}
	return b.String()
}

func parse(t *testing.T, data string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Read("test.csv", strings.NewReader(data), dataset.DefaultCellTypes)
	require.NoError(t, err)
	return ds
}

func snapshot(t *testing.T, s *store.Store) []string {
	t.Helper()
	rows, err := s.QueryContext(context.Background(),
		`SELECT cc.sample_id, ct.name, cc.cell_count
		 FROM cell_counts cc JOIN cell_types ct ON ct.cell_type_id = cc.cell_type_id
		 ORDER BY cc.sample_id, ct.name`)
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sample, name string
		var n int64
		require.NoError(t, rows.Scan(&sample, &name, &n))
		out = append(out, fmt.Sprintf("%s/%s=%d", sample, name, n))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestLoad_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loader := NewLoader(s, LoaderConfig{})
	ds := parse(t, tenRows())

	first, err := loader.Load(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, 2, first.ProjectsNew)
	assert.Equal(t, 4, first.SubjectsNew)
	assert.Equal(t, 10, first.SamplesNew)
	assert.Equal(t, 5, first.CellTypesNew)
	assert.Equal(t, 50, first.CellCounts)

	want, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.TableCounts{Projects: 2, Subjects: 4, Samples: 10, CellTypes: 5, CellCounts: 50}, *want)

	for i := 0; i < 2; i++ {
		again, err := loader.Load(ctx, ds)
		require.NoError(t, err)
		assert.Zero(t, again.ProjectsNew+again.SubjectsNew+again.SamplesNew+again.CellTypesNew)
		assert.NotEqual(t, first.RunID, again.RunID)

		got, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, *want, *got, "load %d changed table counts", i+2)
	}

	runs, err := s.ListLoadRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestLoad_TenRowReloadLeavesCountsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loader := NewLoader(s, LoaderConfig{})
	ds := parse(t, tenRows())

	_, err := loader.Load(ctx, ds)
	require.NoError(t, err)
	before := snapshot(t, s)
	require.Len(t, before, 50)

	_, err = loader.Load(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, before, snapshot(t, s))
}

func TestLoad_RefusedWithoutForeignKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := metrics.New()
	_, err := s.ExecContext(ctx, "PRAGMA foreign_keys=OFF")
	require.NoError(t, err)

	_, err = NewLoader(s, LoaderConfig{Metrics: m}).Load(ctx, parse(t, tenRows()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrForeignKeysDisabled))
	assert.Equal(t, 1.0, counterValue(t, m, "cellcount_load_failures_total", "schema"))

	counts, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.TableCounts{}, *counts)
}

func TestLoad_WarnsOnColumnsOutsideCatalog(t *testing.T) {
	s := newTestStore(t)
	var logs bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "info", Format: "json"}, &logs)
	require.NoError(t, err)

	data := header + ",tregs\nprj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,1,2,3,4,5,900\n"
	res, err := NewLoader(s, LoaderConfig{Logger: logger}).Load(context.Background(), parse(t, data))
	require.NoError(t, err)
	assert.Equal(t, []string{"tregs"}, res.Ignored)
	assert.Equal(t, 5, res.CellCounts)
	assert.Contains(t, logs.String(), "columns outside the cell-type catalog ignored")
	assert.Contains(t, logs.String(), `"columns":["tregs"]`)
}

func TestLoad_ReplacesChangedCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loader := NewLoader(s, LoaderConfig{})

	_, err := loader.Load(ctx, parse(t, header+"\nprj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,1,2,3,4,5\n"))
	require.NoError(t, err)
	_, err = loader.Load(ctx, parse(t, header+"\nprj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,9,2,3,4,5\n"))
	require.NoError(t, err)

	assert.Contains(t, snapshot(t, s), "s1/b_cell=9")
	counts, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts.CellCounts)
}

func TestLoad_FirstSubjectOccurrenceWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := header + "\n" +
		"prj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,1,2,3,4,5\n" +
		"prj1,sbj1,melanoma,58,M,miraclib,no,s2,PBMC,7,1,2,3,4,5\n"

	_, err := NewLoader(s, LoaderConfig{}).Load(ctx, parse(t, data))
	require.NoError(t, err)

	var age int64
	var response string
	require.NoError(t, s.QueryRowContext(ctx, "SELECT age, response FROM subjects WHERE subject_id = ?", "sbj1").Scan(&age, &response))
	assert.Equal(t, int64(57), age)
	assert.Equal(t, "yes", response)
}

func TestLoad_ReferentialClosure(t *testing.T) {
	s := newTestStore(t)
	_, err := NewLoader(s, LoaderConfig{}).Load(context.Background(), parse(t, tenRows()))
	require.NoError(t, err)

	report, err := s.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Closed())
}

func TestLoad_MissingProjectAbortsAndKeepsPriorState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loader := NewLoader(s, LoaderConfig{})

	_, err := loader.Load(ctx, parse(t, tenRows()))
	require.NoError(t, err)
	before, err := s.Stats(ctx)
	require.NoError(t, err)

	bad := header + "\n" +
		"prj9,sbjA,melanoma,57,M,miraclib,yes,sA,PBMC,0,1,2,3,4,5\n" +
		",sbjB,melanoma,57,M,miraclib,yes,sB,PBMC,0,1,2,3,4,5\n"
	_, err = loader.Load(ctx, parse(t, bad))
	require.Error(t, err)

	var ierr *IntegrityError
	require.True(t, errors.As(err, &ierr), "got %T: %v", err, err)
	assert.Equal(t, "subject", ierr.Entity)
	assert.Equal(t, "sbjB", ierr.Key)
	assert.Equal(t, "project", ierr.Ref)

	after, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, *before, *after, "failed load must leave the store untouched")

	runs, err := s.ListLoadRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestLoad_NegativeCountRejected(t *testing.T) {
	s := newTestStore(t)
	ds := parse(t, header+"\nprj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,1,2,3,4,5\n")
	ds.Rows[0].Counts[2] = -1

	_, err := NewLoader(s, LoaderConfig{}).Load(context.Background(), ds)
	var verr *dataset.ValidationError
	require.True(t, errors.As(err, &verr), "got %T: %v", err, err)
	assert.Equal(t, "cd4_t_cell", verr.Column)

	counts, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Projects)
}

func TestWrapFK(t *testing.T) {
	fk := errors.New("constraint failed: FOREIGN KEY constraint failed (787)")
	var ierr *IntegrityError
	require.True(t, errors.As(wrapFK(fk, "sample", "s1", "subject", "ghost"), &ierr))
	assert.Equal(t, "ghost", ierr.RefKey)
	assert.ErrorIs(t, ierr, fk)

	other := errors.New("disk I/O error")
	wrapped := wrapFK(other, "sample", "s1", "subject", "x")
	assert.False(t, errors.As(wrapped, &ierr))
	assert.ErrorIs(t, wrapped, other)
}

func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if label == "" || hasLabel(metric, label) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestLoadSource_MetricsAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := metrics.New()
	var logs bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug", Format: "json"}, &logs)
	require.NoError(t, err)
	loader := NewLoader(s, LoaderConfig{Logger: logger, Metrics: m})

	dir := t.TempDir()
	good := filepath.Join(dir, "cell-count.csv")
	require.NoError(t, os.WriteFile(good, []byte(tenRows()), 0o644))
	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte(header+"\nprj1,sbj1,melanoma,57,M,miraclib,yes,s1,PBMC,0,1,-2,3,4,5\n"), 0o644))

	res, err := loader.LoadSource(ctx, good, dataset.Options{CellTypes: dataset.DefaultCellTypes})
	require.NoError(t, err)
	assert.Equal(t, good, res.Source)

	_, err = loader.LoadSource(ctx, bad, dataset.Options{CellTypes: dataset.DefaultCellTypes})
	require.Error(t, err)

	assert.Equal(t, 10.0, counterValue(t, m, "cellcount_load_rows_total", ""))
	assert.Equal(t, 1.0, counterValue(t, m, "cellcount_load_failures_total", "validation"))

	out := logs.String()
	assert.Contains(t, out, `"run_id":"`+res.RunID+`"`)
	assert.Contains(t, out, `"phase":"cell_counts"`)
	assert.Contains(t, out, "load rejected")
}

func TestFailureKind(t *testing.T) {
	assert.Equal(t, "validation", failureKind(fmt.Errorf("x: %w", &dataset.ValidationError{})))
	assert.Equal(t, "integrity", failureKind(&IntegrityError{}))
	assert.Equal(t, "schema", failureKind(fmt.Errorf("x: %w", store.ErrForeignKeysDisabled)))
	assert.Equal(t, "canceled", failureKind(context.Canceled))
	assert.Equal(t, "store", failureKind(errors.New("boom")))
}
