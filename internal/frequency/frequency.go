// Package frequency computes each sample's relative cell-type frequencies.
//
// Two paths produce the same table: FromStore runs a windowed sum over the
// relational store and FromDataset works on a parsed source in memory. Both
// round with the same function, so their (sample, population, percentage)
// triples are directly comparable.
package frequency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/filter"
	"github.com/hurttlocker/cellcount/internal/metrics"
	"github.com/hurttlocker/cellcount/internal/stats"
	"github.com/hurttlocker/cellcount/internal/store"
)

// IssueZeroTotal marks a sample whose counts sum to zero.
const IssueZeroTotal = "zero_total"

// Row is one (sample, population) frequency.
type Row struct {
	Sample     string  `json:"sample"`
	TotalCount int64   `json:"total_count"`
	Population string  `json:"population"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
	ZeroTotal  bool    `json:"zero_total,omitempty"`
}

// Issue is a data-quality problem attached to one sample.
type Issue struct {
	Kind    string `json:"kind"`
	Sample  string `json:"sample"`
	Message string `json:"message"`
}

// Table is a frequency table ordered by (sample, population).
type Table struct {
	Rows   []Row   `json:"rows"`
	Issues []Issue `json:"issues,omitempty"`
}

// Percentage returns round(100*count/total, 2). A zero total yields 0.
func Percentage(count, total int64) float64 {
	if total == 0 {
		return 0
	}
	return stats.Round(100*float64(count)/float64(total), 2)
}

// newRow fills the derived fields of a row.
func newRow(sample, population string, count, total int64) Row {
	return Row{
		Sample:     sample,
		TotalCount: total,
		Population: population,
		Count:      count,
		Percentage: Percentage(count, total),
		ZeroTotal:  total == 0,
	}
}

// finish orders rows and attaches one issue per zero-total sample.
func finish(rows []Row) *Table {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Sample != rows[j].Sample {
			return rows[i].Sample < rows[j].Sample
		}
		return rows[i].Population < rows[j].Population
	})

	t := &Table{Rows: rows}
	flagged := make(map[string]bool)
	for _, r := range rows {
		if r.ZeroTotal && !flagged[r.Sample] {
			flagged[r.Sample] = true
			t.Issues = append(t.Issues, Issue{
				Kind:    IssueZeroTotal,
				Sample:  r.Sample,
				Message: "all cell counts are zero; percentages reported as 0",
			})
		}
	}
	return t
}

// windowQuery computes each sample's total over every cell type before the
// cohort filter applies, so a cell_type filter never shrinks the total.
const windowQuery = `
WITH totals AS (
	SELECT sample_id, cell_type_id, cell_count,
	       CAST(SUM(cell_count) OVER (PARTITION BY sample_id) AS BIGINT) AS total_count
	FROM cell_counts
)
SELECT s.sample_id, cc.total_count, ct.name, cc.cell_count
FROM totals cc
	JOIN cell_types ct ON ct.cell_type_id = cc.cell_type_id
	JOIN samples s ON s.sample_id = cc.sample_id
	JOIN subjects sub ON sub.subject_id = s.subject_id
	JOIN projects p ON p.project_id = sub.project_id`

// FromStore computes the frequency table of the cohort selected by f.
func FromStore(ctx context.Context, q store.Querier, f filter.Filter) (*Table, error) {
	where, args, err := f.SQL(store.FilterColumns)
	if err != nil {
		return nil, err
	}
	query := windowQuery
	if where != "" {
		query += "\nWHERE " + where
	}
	query += "\nORDER BY s.sample_id, ct.name"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying frequencies: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var sample, population string
		var total, count int64
		if err := rows.Scan(&sample, &total, &population, &count); err != nil {
			return nil, fmt.Errorf("scanning frequency row: %w", err)
		}
		out = append(out, newRow(sample, population, count, total))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading frequency rows: %w", err)
	}
	return finish(out), nil
}

// FromDataset computes the same table from a parsed source. The total of a
// sample always covers every catalogued cell type.
func FromDataset(ds *dataset.Dataset, f filter.Filter) *Table {
	sampleFilter := f.Without(filter.CellType)
	byPopulation := f.Has(filter.CellType)

	var out []Row
	for _, r := range ds.Rows {
		values := r.Values()
		if !sampleFilter.Match(values) {
			continue
		}
		var total int64
		for _, n := range r.Counts {
			total += n
		}
		for k, population := range ds.CellTypes {
			if byPopulation {
				values[filter.CellType] = population
				if !f.Match(values) {
					continue
				}
			}
			out = append(out, newRow(r.Sample, population, r.Counts[k], total))
		}
	}
	return finish(out)
}

// Report logs every issue at warn and counts it.
func (t *Table) Report(logger *slog.Logger, m *metrics.Metrics) {
	for _, is := range t.Issues {
		if logger != nil {
			logger.Warn("frequency issue", "kind", is.Kind, "sample", is.Sample, "message", is.Message)
		}
		m.FrequencyIssue(is.Kind)
	}
}

// Populations returns the distinct populations in table order.
func (t *Table) Populations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rows {
		if !seen[r.Population] {
			seen[r.Population] = true
			out = append(out, r.Population)
		}
	}
	return out
}

// Samples returns the distinct samples in table order.
func (t *Table) Samples() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rows {
		if !seen[r.Sample] {
			seen[r.Sample] = true
			out = append(out, r.Sample)
		}
	}
	return out
}
